// Package session provides per-user conversation session management for the
// LMS assistant. It defines the Store interface for session persistence and
// the Session type that represents one user's ongoing conversation.
package session

import (
	"context"
	"errors"
	"time"
)

// State describes the lifecycle state of a session.
type State string

const (
	// StateActive is a live session accepting turns.
	StateActive State = "active"

	// StateExpired is a session reclaimed by the TTL sweep.
	StateExpired State = "expired"

	// StateClosed is a session closed explicitly by the caller.
	StateClosed State = "closed"
)

// ErrNotFound is returned when no active session exists for a user.
var ErrNotFound = errors.New("session not found")

// ErrInvariantViolation is returned when the store's internal bookkeeping
// disagrees with itself (e.g. an entry keyed under one user holding another
// user's session). It is fatal for the affected request and must never be
// swallowed.
var ErrInvariantViolation = errors.New("session store invariant violation")

// Session represents one user's ongoing conversation.
type Session struct {
	// ID is the opaque session identifier, regenerated on every creation.
	ID string

	// UserID identifies the session owner and is the store key.
	UserID string

	// CreatedAt is when the session was established.
	CreatedAt time.Time

	// LastActivity is updated on every committed turn.
	LastActivity time.Time

	// State is the lifecycle state.
	State State

	// History holds the bounded conversation history, oldest first.
	History []Turn
}

// Turn is one request/response exchange, recorded for context and audit.
type Turn struct {
	// Timestamp is when the turn completed.
	Timestamp time.Time

	// Input is the user's message.
	Input string

	// Output is the assistant's response text.
	Output string

	// Query is the normalized SQL executed for this turn, empty when the
	// turn needed no data lookup or the candidate was rejected.
	Query string

	// Rejected marks a turn whose candidate query failed safety validation.
	Rejected bool

	// RejectionReason is the internal reason code for a rejected candidate.
	// Never surfaced to the end user.
	RejectionReason string

	// RowCount is the number of rows the execution stage returned.
	RowCount int

	// Confidence is the model-reported confidence for the response.
	Confidence float64

	// FailedStage names the pipeline stage that failed, empty on success.
	FailedStage string

	// StageTimings records per-stage durations for observability.
	StageTimings map[string]time.Duration
}

// Summary is a read-only view of a session exposed through the facade.
type Summary struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Turns        int       `json:"conversation_turns"`
	State        State     `json:"state"`
}

// Stats is a snapshot of store-wide counters.
type Stats struct {
	ActiveSessions int   `json:"active_sessions"`
	TotalCreated   int64 `json:"total_created"`
	TotalExpired   int64 `json:"total_expired"`
	TotalClosed    int64 `json:"total_closed"`
	TotalTurns     int64 `json:"total_conversation_turns"`
}

// Store defines session persistence keyed by user ID. Implementations must
// allow operations for distinct users to proceed in parallel while the
// Acquire lock serializes work for a single user.
type Store interface {
	// GetOrCreate returns the active session for a user, creating one if
	// absent or if the previous session expired or was closed.
	GetOrCreate(ctx context.Context, userID string) (*Session, error)

	// Get returns the active session without extending its TTL.
	// Returns ErrNotFound when no active session exists.
	Get(ctx context.Context, userID string) (*Session, error)

	// CloseSession marks the session closed and immediately evictable.
	// Returns ErrNotFound when no active session exists.
	CloseSession(ctx context.Context, userID string) error

	// Commit appends a completed turn, evicting the oldest turn when the
	// bounded history is full, and updates LastActivity.
	Commit(ctx context.Context, userID string, turn Turn) error

	// SweepExpired reclaims sessions idle past the TTL and returns the
	// number removed. Sessions locked by an in-flight turn are skipped.
	SweepExpired(ctx context.Context) (int, error)

	// Stats returns a snapshot of the store counters.
	Stats(ctx context.Context) (Stats, error)

	// Acquire takes the per-user lock and returns its release function.
	// All pipeline work for one user runs under this lock.
	Acquire(userID string) (release func())

	// Shutdown stops background routines and releases resources.
	Shutdown() error
}

// Summarize builds a Summary from the session.
func (s *Session) Summarize() Summary {
	return Summary{
		SessionID:    s.ID,
		UserID:       s.UserID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Turns:        len(s.History),
		State:        s.State,
	}
}

// RecentContext returns up to max of the most recent turns as role/content
// pairs for model prompting, oldest first.
func (s *Session) RecentContext(max int) []ContextMessage {
	turns := s.History
	if len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	msgs := make([]ContextMessage, 0, len(turns)*2)
	for _, t := range turns {
		msgs = append(msgs,
			ContextMessage{Role: "user", Content: t.Input},
			ContextMessage{Role: "assistant", Content: t.Output},
		)
	}
	return msgs
}

// ContextMessage is one prompt message derived from history.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
