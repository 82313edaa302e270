package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultTemperature = 0.2

// Client calls an OpenAI-compatible /v1/chat/completions endpoint. Ollama,
// LiteLLM, and vLLM all speak this protocol.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewClient creates a chat completion client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger.With("component", "llm"),
	}
}

var _ Provider = (*Client)(nil)

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// AnalyzeIntent implements Provider.
func (c *Client) AnalyzeIntent(ctx context.Context, userMessage string, history []Message) (IntentAnalysis, error) {
	messages := make([]Message, 0, len(history)+2)
	messages = append(messages, Message{Role: "system", Content: intentAnalysisPrompt})
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: userMessage})

	reply, err := c.complete(ctx, messages)
	if err != nil {
		return IntentAnalysis{}, err
	}

	analysis, err := parseIntent(reply)
	if err != nil {
		c.logger.Warn("intent analysis not parseable, using fallback", "error", err)
		return FallbackIntent(), nil
	}
	return analysis, nil
}

// GenerateQuery implements Provider. Markdown code fences around the
// statement are stripped before returning.
func (c *Client) GenerateQuery(ctx context.Context, req GenerateQueryRequest) (string, error) {
	prompt := queryGenerationPrompt(req.SchemaInfo, req.Intent.Intent, req.UserMessage)
	reply, err := c.complete(ctx, []Message{
		{Role: "system", Content: prompt},
		{Role: "user", Content: req.UserMessage},
	})
	if err != nil {
		return "", err
	}
	return stripCodeFence(reply), nil
}

// SynthesizeResponse implements Provider.
func (c *Client) SynthesizeResponse(ctx context.Context, req SynthesizeRequest) (string, error) {
	prompt := responseSynthesisPrompt(req.UserMessage, req.Query, req.QueryData, req.KnownFacts)
	messages := make([]Message, 0, len(req.History)+2)
	messages = append(messages, Message{Role: "system", Content: prompt})
	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: "user", Content: req.UserMessage})

	reply, err := c.complete(ctx, messages)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// complete performs one non-streaming chat completion round trip.
func (c *Client) complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: defaultTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil && errResp.Error != nil {
			return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var result chatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrMalformed)
	}
	return result.Choices[0].Message.Content, nil
}

// classifyTransportError maps a transport-level failure onto a sentinel.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// parseIntent decodes the model's intent analysis. Models occasionally wrap
// the JSON in prose or a code fence, so the first balanced object is
// extracted before decoding.
func parseIntent(reply string) (IntentAnalysis, error) {
	raw := extractJSONObject(stripCodeFence(reply))
	if raw == "" {
		return IntentAnalysis{}, fmt.Errorf("no JSON object in reply")
	}
	var analysis IntentAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		return IntentAnalysis{}, fmt.Errorf("decoding intent: %w", err)
	}
	return analysis, nil
}

// extractJSONObject returns the first balanced {...} substring, empty if
// none. Braces inside string values are accounted for.
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// stripCodeFence removes a surrounding markdown code fence, tolerating a
// language tag on the opening fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		// drop a language tag like "sql" or "json"
		if first != "" && !strings.ContainsAny(first, " \t") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
