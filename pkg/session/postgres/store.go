// Package postgres provides PostgreSQL storage for conversation sessions, so
// sessions and their history survive server restarts.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edustack/mcp-lms-assistant/pkg/session"
)

// Store implements session.Store using PostgreSQL. Per-user serialization is
// in-process: the server owns its sessions exclusively, the database only
// makes them durable.
type Store struct {
	db         *sql.DB
	ttl        time.Duration
	maxHistory int
	locks      *session.KeyedMutex

	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures the PostgreSQL session store.
type Config struct {
	TTL        time.Duration
	MaxHistory int
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB, cfg Config) *Store {
	return &Store{
		db:         db,
		ttl:        cfg.TTL,
		maxHistory: cfg.MaxHistory,
		locks:      session.NewKeyedMutex(),
	}
}

// Acquire takes the per-user lock and returns its release function.
func (s *Store) Acquire(userID string) func() {
	return s.locks.Acquire(userID)
}

// GetOrCreate returns the active session for a user, creating one if absent
// or if the previous session expired or was closed.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (*session.Session, error) {
	sess, err := s.Get(ctx, userID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	sess = &session.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		State:        session.StateActive,
	}

	query := `
		INSERT INTO lms_sessions (user_id, id, created_at, last_activity, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET id = EXCLUDED.id, created_at = EXCLUDED.created_at,
		    last_activity = EXCLUDED.last_activity, state = EXCLUDED.state
	`
	if _, err := s.db.ExecContext(ctx, query,
		sess.UserID, sess.ID, sess.CreatedAt, sess.LastActivity, string(sess.State),
	); err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	// Turns belonging to the previous session are dropped with it.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM lms_turns WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("clearing previous turns: %w", err)
	}

	if err := s.bump(ctx, "created"); err != nil {
		return nil, err
	}
	slog.Debug("session: created", "session_id", sess.ID, "user_id", userID)
	return sess, nil
}

// Get returns the active session without extending its TTL.
func (s *Store) Get(ctx context.Context, userID string) (*session.Session, error) {
	query := `
		SELECT user_id, id, created_at, last_activity, state
		FROM lms_sessions
		WHERE user_id = $1 AND state = 'active' AND last_activity > NOW() - $2::interval
	`
	row := s.db.QueryRowContext(ctx, query, userID, intervalArg(s.ttl))

	var sess session.Session
	var state string
	err := row.Scan(&sess.UserID, &sess.ID, &sess.CreatedAt, &sess.LastActivity, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.State = session.State(state)

	if sess.UserID != userID {
		return nil, fmt.Errorf("%w: row for %q holds session owned by %q",
			session.ErrInvariantViolation, userID, sess.UserID)
	}

	if sess.History, err = s.loadTurns(ctx, userID); err != nil {
		return nil, err
	}
	return &sess, nil
}

// CloseSession marks the session closed and immediately evictable.
func (s *Store) CloseSession(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lms_sessions SET state = 'closed' WHERE user_id = $1 AND state = 'active'`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("closing session rows: %w", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}
	slog.Info("session: closed", "user_id", userID)
	return s.bump(ctx, "closed")
}

// Commit appends a completed turn, trims history past the bound and updates
// LastActivity.
func (s *Store) Commit(ctx context.Context, userID string, turn session.Turn) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE lms_sessions SET last_activity = NOW() WHERE user_id = $1 AND state = 'active'`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching session rows: %w", err)
	}
	if n == 0 {
		return session.ErrNotFound
	}

	insert := `
		INSERT INTO lms_turns
			(user_id, ts, input, output, query, rejected, rejection_reason,
			 row_count, confidence, failed_stage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := s.db.ExecContext(ctx, insert,
		userID, turn.Timestamp, turn.Input, turn.Output, turn.Query,
		turn.Rejected, turn.RejectionReason, turn.RowCount, turn.Confidence,
		turn.FailedStage,
	); err != nil {
		return fmt.Errorf("inserting turn: %w", err)
	}

	if s.maxHistory > 0 {
		trim := `
			DELETE FROM lms_turns
			WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM lms_turns WHERE user_id = $1
				ORDER BY id DESC LIMIT $2
			)
		`
		if _, err := s.db.ExecContext(ctx, trim, userID, s.maxHistory); err != nil {
			return fmt.Errorf("trimming turns: %w", err)
		}
	}

	return s.bump(ctx, "turns")
}

// SweepExpired reclaims closed sessions and sessions idle past the TTL,
// returning the number removed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	del := `
		DELETE FROM lms_sessions
		WHERE state = 'closed' OR last_activity <= NOW() - $1::interval
		RETURNING user_id, state
	`
	rows, err := s.db.QueryContext(ctx, del, intervalArg(s.ttl))
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	reclaimed := 0
	expired := 0
	var users []string
	for rows.Next() {
		var userID, state string
		if err := rows.Scan(&userID, &state); err != nil {
			return reclaimed, fmt.Errorf("scanning swept session: %w", err)
		}
		if state == string(session.StateActive) {
			expired++
		}
		users = append(users, userID)
		reclaimed++
	}
	if err := rows.Err(); err != nil {
		return reclaimed, fmt.Errorf("iterating swept sessions: %w", err)
	}

	for _, userID := range users {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM lms_turns WHERE user_id = $1`, userID); err != nil {
			return reclaimed, fmt.Errorf("deleting swept turns: %w", err)
		}
	}

	for i := 0; i < expired; i++ {
		if err := s.bump(ctx, "expired"); err != nil {
			return reclaimed, err
		}
	}
	if reclaimed > 0 {
		slog.Info("session: sweep reclaimed sessions", "count", reclaimed)
	}
	return reclaimed, nil
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats(ctx context.Context) (session.Stats, error) {
	var stats session.Stats

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lms_sessions WHERE state = 'active' AND last_activity > NOW() - $1::interval`,
		intervalArg(s.ttl),
	)
	if err := row.Scan(&stats.ActiveSessions); err != nil {
		return stats, fmt.Errorf("counting active sessions: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT created, expired, closed, turns FROM lms_session_counters WHERE id = 1`,
	)
	err := row.Scan(&stats.TotalCreated, &stats.TotalExpired, &stats.TotalClosed, &stats.TotalTurns)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return stats, fmt.Errorf("scanning counters: %w", err)
	}
	return stats, nil
}

// StartSweeper starts a background goroutine that periodically reclaims
// expired sessions. The goroutine is stopped when Shutdown is called.
func (s *Store) StartSweeper(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					slog.Warn("session: sweep failed", "error", err)
				}
			}
		}
	}()
}

// Shutdown stops the sweeper goroutine and waits for it to exit. It is safe
// to call Shutdown even if StartSweeper was never called.
func (s *Store) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// loadTurns returns the stored history for a user, oldest first.
func (s *Store) loadTurns(ctx context.Context, userID string) ([]session.Turn, error) {
	query := `
		SELECT ts, input, output, query, rejected, rejection_reason,
		       row_count, confidence, failed_stage
		FROM lms_turns
		WHERE user_id = $1
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var turns []session.Turn
	for rows.Next() {
		var t session.Turn
		if err := rows.Scan(&t.Timestamp, &t.Input, &t.Output, &t.Query,
			&t.Rejected, &t.RejectionReason, &t.RowCount, &t.Confidence,
			&t.FailedStage); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return turns, nil
}

// bump increments one named counter in the singleton counters row.
func (s *Store) bump(ctx context.Context, counter string) error {
	var query string
	switch counter {
	case "created":
		query = `UPDATE lms_session_counters SET created = created + 1 WHERE id = 1`
	case "expired":
		query = `UPDATE lms_session_counters SET expired = expired + 1 WHERE id = 1`
	case "closed":
		query = `UPDATE lms_session_counters SET closed = closed + 1 WHERE id = 1`
	case "turns":
		query = `UPDATE lms_session_counters SET turns = turns + 1 WHERE id = 1`
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("bumping %s counter: %w", counter, err)
	}
	return nil
}

// intervalArg renders a duration as a Postgres interval argument.
func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
