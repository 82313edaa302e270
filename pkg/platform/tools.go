package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/edustack/mcp-lms-assistant/pkg/session"
)

// chatInput is the argument record for the chat tool.
type chatInput struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// sessionInput keys the session info and close tools.
type sessionInput struct {
	UserID string `json:"user_id"`
}

// statsInput is empty since the stats tool has no parameters.
type statsInput struct{}

// systemStats is the snapshot returned by get_system_stats.
type systemStats struct {
	ActiveSessions   int64   `json:"active_sessions"`
	TotalCreated     int64   `json:"total_created"`
	TotalExpired     int64   `json:"total_expired"`
	TotalClosed      int64   `json:"total_closed"`
	TotalTurns       int64   `json:"total_turns"`
	Rejections       int64   `json:"rejections"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
}

// registerChatTool registers the chat entry point.
func (p *Platform) registerChatTool() {
	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name: "chat",
		Description: "Send a natural-language message to the LMS assistant. " +
			"Questions about courses, enrollments, completions, and certifications " +
			"are answered from the LMS database. Each user_id holds its own conversation.",
	}, p.handleChat)
}

func (p *Platform) handleChat(ctx context.Context, _ *mcp.CallToolRequest, input chatInput) (*mcp.CallToolResult, any, error) {
	if err := p.validateChatInput(input); err != nil {
		return errorResult(err.Error()), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}

	resp, err := p.orchestrator.ProcessMessage(ctx, input.UserID, strings.TrimSpace(input.Message))
	if err != nil {
		p.logger.Error("chat turn failed", "user_id", input.UserID, "error", err)
		return errorResult("internal error processing message"), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(resp)
}

// validateChatInput enforces the facade input constraints before anything
// reaches the pipeline.
func (p *Platform) validateChatInput(input chatInput) error {
	if strings.TrimSpace(input.UserID) == "" {
		return errors.New("user_id must not be empty")
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return errors.New("message must not be empty")
	}
	if max := p.config.Limits.MaxMessageLength; len(message) > max {
		return fmt.Errorf("message exceeds the maximum length of %d characters", max)
	}
	return nil
}

// registerSessionInfoTool registers get_session_info.
func (p *Platform) registerSessionInfoTool() {
	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        "get_session_info",
		Description: "Get the active conversation session for a user: session id, activity times, and turn count.",
	}, p.handleSessionInfo)
}

func (p *Platform) handleSessionInfo(ctx context.Context, _ *mcp.CallToolRequest, input sessionInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return errorResult("user_id must not be empty"), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}

	sess, err := p.sessions.Get(ctx, input.UserID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return errorResult("no active session for user " + input.UserID), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
		}
		p.logger.Error("session lookup failed", "user_id", input.UserID, "error", err)
		return errorResult("internal error looking up session"), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(sess.Summarize())
}

// registerSystemStatsTool registers get_system_stats.
func (p *Platform) registerSystemStatsTool() {
	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        "get_system_stats",
		Description: "Get process-wide assistant statistics: session counts, turns processed, query rejections, and average pipeline latency.",
	}, p.handleSystemStats)
}

func (p *Platform) handleSystemStats(ctx context.Context, _ *mcp.CallToolRequest, _ statsInput) (*mcp.CallToolResult, any, error) {
	sessionStats, err := p.sessions.Stats(ctx)
	if err != nil {
		p.logger.Error("stats lookup failed", "error", err)
		return errorResult("internal error collecting stats"), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	pipelineStats := p.orchestrator.Stats()

	return jsonResult(systemStats{
		ActiveSessions:   int64(sessionStats.ActiveSessions),
		TotalCreated:     sessionStats.TotalCreated,
		TotalExpired:     sessionStats.TotalExpired,
		TotalClosed:      sessionStats.TotalClosed,
		TotalTurns:       pipelineStats.TotalTurns,
		Rejections:       pipelineStats.Rejections,
		AverageLatencyMS: float64(pipelineStats.AverageLatency.Microseconds()) / 1000.0,
	})
}

// registerCloseSessionTool registers close_session.
func (p *Platform) registerCloseSessionTool() {
	mcp.AddTool(p.mcpServer, &mcp.Tool{
		Name:        "close_session",
		Description: "Close a user's conversation session. The next chat message starts a fresh session.",
	}, p.handleCloseSession)
}

func (p *Platform) handleCloseSession(ctx context.Context, _ *mcp.CallToolRequest, input sessionInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return errorResult("user_id must not be empty"), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}

	if err := p.sessions.CloseSession(ctx, input.UserID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return errorResult("no active session for user " + input.UserID), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
		}
		p.logger.Error("session close failed", "user_id", input.UserID, "error", err)
		return errorResult("internal error closing session"), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return jsonResult(map[string]string{"status": "closed", "user_id": input.UserID})
}

// errorResult builds an IsError tool result with a plain-text message.
func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: "Error: " + message},
		},
		IsError: true,
	}
}

// jsonResult marshals a payload into a text content result.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("internal error encoding result"), nil, nil //nolint:nilerr // MCP protocol: tool errors are returned in CallToolResult.IsError
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil, nil
}
