// Package llm talks to an OpenAI-compatible chat completion endpoint and
// exposes the three model roles the orchestrator needs: intent analysis,
// query generation, and response synthesis.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors classifying model invocation failures. Callers use
// errors.Is to pick a degradation strategy per stage.
var (
	// ErrUnavailable indicates the endpoint could not be reached or
	// returned a server error.
	ErrUnavailable = errors.New("llm: endpoint unavailable")

	// ErrTimeout indicates the invocation exceeded its deadline.
	ErrTimeout = errors.New("llm: invocation timed out")

	// ErrMalformed indicates the endpoint answered with a payload that
	// could not be decoded.
	ErrMalformed = errors.New("llm: malformed response")
)

// Message is one turn of conversational context passed to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// IntentAnalysis is the structured outcome of the intent analysis role.
type IntentAnalysis struct {
	Intent         string   `json:"intent"`
	RequiresSQL    bool     `json:"requires_sql"`
	TablesInvolved []string `json:"tables_involved"`
	Complexity     string   `json:"complexity"`
	QueryType      string   `json:"query_type"`
}

// FallbackIntent is the analysis used when the model's answer cannot be
// parsed: treat the message as a general inquiry with no database access.
func FallbackIntent() IntentAnalysis {
	return IntentAnalysis{
		Intent:      "general inquiry",
		RequiresSQL: false,
		Complexity:  "simple",
		QueryType:   "other",
	}
}

// GenerateQueryRequest carries the inputs of the query generation role.
type GenerateQueryRequest struct {
	UserMessage string
	Intent      IntentAnalysis
	SchemaInfo  string
}

// SynthesizeRequest carries the inputs of the response synthesis role.
type SynthesizeRequest struct {
	UserMessage string
	Query       string
	QueryData   string
	KnownFacts  []string
	History     []Message
}

// Provider is the model interface the orchestrator consumes.
type Provider interface {
	// AnalyzeIntent classifies a user message. A non-nil error means the
	// invocation itself failed; an unparseable answer degrades to
	// FallbackIntent with a nil error.
	AnalyzeIntent(ctx context.Context, userMessage string, history []Message) (IntentAnalysis, error)

	// GenerateQuery produces a candidate SQL statement for the intent.
	GenerateQuery(ctx context.Context, req GenerateQueryRequest) (string, error)

	// SynthesizeResponse produces the final conversational answer.
	SynthesizeResponse(ctx context.Context, req SynthesizeRequest) (string, error)
}
