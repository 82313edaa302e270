// Package contextstore retrieves semantic knowledge context for the
// orchestrator and stores new knowledge learned from successful answers.
// Retrieval is best-effort: a failing provider degrades the pipeline, it
// never fails it.
package contextstore

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the backing store could not be reached.
var ErrUnavailable = errors.New("contextstore: unavailable")

// SearchResult is one retrieved knowledge chunk, closest first.
type SearchResult struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Distance float64           `json:"distance"`
}

// Provider retrieves and stores knowledge chunks.
type Provider interface {
	// Name identifies the provider implementation.
	Name() string

	// SearchKnowledge returns up to maxResults chunks relevant to the
	// query, closest first.
	SearchKnowledge(ctx context.Context, query string, maxResults int) ([]SearchResult, error)

	// AddDocument stores a knowledge chunk and returns its ID.
	AddDocument(ctx context.Context, content string, metadata map[string]string) (string, error)

	// Healthy verifies the backing store is reachable.
	Healthy(ctx context.Context) error
}
