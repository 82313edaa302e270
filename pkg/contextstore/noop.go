package contextstore

import "context"

// NoopProvider is used when no knowledge store is configured. Retrieval
// returns nothing and writes are discarded.
type NoopProvider struct{}

// NewNoopProvider creates a new no-op provider.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name returns the provider name.
func (*NoopProvider) Name() string {
	return "noop"
}

// SearchKnowledge returns empty results.
func (*NoopProvider) SearchKnowledge(_ context.Context, _ string, _ int) ([]SearchResult, error) {
	return []SearchResult{}, nil
}

// AddDocument discards the document.
func (*NoopProvider) AddDocument(_ context.Context, _ string, _ map[string]string) (string, error) {
	return "", nil
}

// Healthy always succeeds.
func (*NoopProvider) Healthy(_ context.Context) error {
	return nil
}

// Verify interface compliance.
var _ Provider = (*NoopProvider)(nil)
