package contextstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultCollection = "totara_knowledge"

// ChromaProvider stores knowledge in a ChromaDB server over its REST API.
type ChromaProvider struct {
	baseURL      string
	collection   string
	collectionID string
	httpClient   *http.Client
	logger       *slog.Logger
}

// ChromaConfig configures a ChromaProvider.
type ChromaConfig struct {
	// BaseURL is the ChromaDB server URL, e.g. "http://localhost:8000".
	BaseURL string

	// Collection is the collection name, defaulting to totara_knowledge.
	Collection string

	Timeout time.Duration
	Logger  *slog.Logger
}

// NewChromaProvider connects to a ChromaDB server and ensures the
// collection exists.
func NewChromaProvider(ctx context.Context, cfg ChromaConfig) (*ChromaProvider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collection := cfg.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	p := &ChromaProvider{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "contextstore"),
	}
	if err := p.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

var _ Provider = (*ChromaProvider)(nil)

// Name returns the provider name.
func (*ChromaProvider) Name() string {
	return "chroma"
}

type collectionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ensureCollection resolves the collection ID, creating the collection if
// it does not exist yet.
func (p *ChromaProvider) ensureCollection(ctx context.Context) error {
	body := map[string]any{
		"name":          p.collection,
		"get_or_create": true,
		"metadata":      map[string]string{"description": "Totara LMS knowledge base for chatbot context"},
	}
	var coll collectionResponse
	if err := p.post(ctx, "/api/v1/collections", body, &coll); err != nil {
		return fmt.Errorf("ensuring collection %q: %w", p.collection, err)
	}
	p.collectionID = coll.ID
	return nil
}

type queryResponse struct {
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

// SearchKnowledge implements Provider.
func (p *ChromaProvider) SearchKnowledge(ctx context.Context, query string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}
	body := map[string]any{
		"query_texts": []string{query},
		"n_results":   maxResults,
		"include":     []string{"documents", "metadatas", "distances"},
	}
	var resp queryResponse
	path := fmt.Sprintf("/api/v1/collections/%s/query", p.collectionID)
	if err := p.post(ctx, path, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Documents) == 0 {
		return []SearchResult{}, nil
	}

	docs := resp.Documents[0]
	results := make([]SearchResult, 0, len(docs))
	for i, doc := range docs {
		r := SearchResult{Content: doc}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			r.Metadata = stringifyMetadata(resp.Metadatas[0][i])
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			r.Distance = resp.Distances[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

// AddDocument implements Provider.
func (p *ChromaProvider) AddDocument(ctx context.Context, content string, metadata map[string]string) (string, error) {
	id := uuid.NewString()
	meta := map[string]any{"added_at": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range metadata {
		meta[k] = v
	}
	body := map[string]any{
		"ids":       []string{id},
		"documents": []string{content},
		"metadatas": []map[string]any{meta},
	}
	path := fmt.Sprintf("/api/v1/collections/%s/add", p.collectionID)
	if err := p.post(ctx, path, body, nil); err != nil {
		return "", err
	}
	return id, nil
}

// Healthy implements Provider.
func (p *ChromaProvider) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/v1/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("creating heartbeat request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: heartbeat status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// post sends a JSON request and decodes the response into out when out is
// non-nil.
func (p *ChromaProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(respBody), 200))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// stringifyMetadata flattens arbitrary metadata values to strings.
func stringifyMetadata(meta map[string]any) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
