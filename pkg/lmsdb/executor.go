package lmsdb

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors classifying execution failures. The orchestrator maps
// these to per-stage degradation behavior.
var (
	// ErrConnectionFailed indicates the database could not be reached.
	ErrConnectionFailed = errors.New("lmsdb: connection failed")

	// ErrQueryTimeout indicates the query exceeded its deadline.
	ErrQueryTimeout = errors.New("lmsdb: query timed out")

	// ErrNotReadOnly indicates a statement reached the executor without
	// being a read-only select form. This is a final gate, not the
	// primary validation.
	ErrNotReadOnly = errors.New("lmsdb: statement is not read-only")
)

// Result is the outcome of a successful query execution.
type Result struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`

	// Truncated reports whether the row limit cut the result off.
	Truncated bool `json:"truncated,omitempty"`
}

// JSON renders the rows as compact JSON for prompt context. Render errors
// collapse to an empty array so a bad value cannot break synthesis.
func (r *Result) JSON() string {
	data, err := json.Marshal(r.Rows)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Executor runs validated read-only statements.
type Executor interface {
	// ExecuteReadOnly runs one read-only statement and returns its rows,
	// truncated at the configured row limit.
	ExecuteReadOnly(ctx context.Context, query string) (*Result, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error
}
