package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store using an in-memory map with TTL-based
// expiration. Each user holds exactly one entry; the entry's mutex serializes
// all turn processing for that user while the store mutex guards only map
// insertion and short field mutations.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry

	ttl        time.Duration
	maxHistory int

	created atomic.Int64
	expired atomic.Int64
	closed  atomic.Int64
	turns   atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// entry pairs a per-user lock with the user's session. The session is nil
// when the user has no active session.
type entry struct {
	mu   sync.Mutex
	sess *Session
}

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// TTL is the idle duration after which a session is reclaimable.
	TTL time.Duration

	// MaxHistory bounds the number of turns kept per session.
	MaxHistory int
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*entry),
		ttl:        cfg.TTL,
		maxHistory: cfg.MaxHistory,
	}
}

// Acquire takes the per-user lock and returns its release function. If the
// sweep removed the entry between lookup and lock, the lock is retried on the
// current entry so two turns for one user can never run on distinct locks.
func (s *MemoryStore) Acquire(userID string) func() {
	for {
		e := s.entryFor(userID)
		e.mu.Lock()

		s.mu.RLock()
		current := s.entries[userID] == e
		s.mu.RUnlock()

		if current {
			return e.mu.Unlock
		}
		e.mu.Unlock()
	}
}

// entryFor returns the entry for a user, inserting one if absent. The store
// mutex is needed only for insertion of a brand-new key.
func (s *MemoryStore) entryFor(userID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[userID]; ok {
		return e
	}
	e = &entry{}
	s.entries[userID] = e
	return e
}

// GetOrCreate returns the active session for a user, creating one if absent
// or if the previous session expired or was closed.
func (s *MemoryStore) GetOrCreate(_ context.Context, userID string) (*Session, error) {
	e := s.entryFor(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.sess != nil {
		if err := checkOwner(e.sess, userID); err != nil {
			return nil, err
		}
		if e.sess.State == StateActive && !s.overdue(e.sess) {
			return copySession(e.sess), nil
		}
		if s.overdue(e.sess) {
			s.expired.Add(1)
		}
	}

	now := time.Now()
	e.sess = &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		State:        StateActive,
	}
	s.created.Add(1)
	slog.Debug("session: created", "session_id", e.sess.ID, "user_id", userID)
	return copySession(e.sess), nil
}

// Get returns the active session without extending its TTL.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[userID]
	if !ok || e.sess == nil || e.sess.State != StateActive || s.overdue(e.sess) {
		return nil, ErrNotFound
	}
	if err := checkOwner(e.sess, userID); err != nil {
		return nil, err
	}
	return copySession(e.sess), nil
}

// CloseSession marks the session closed and immediately evictable.
func (s *MemoryStore) CloseSession(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok || e.sess == nil || e.sess.State != StateActive {
		return ErrNotFound
	}
	if err := checkOwner(e.sess, userID); err != nil {
		return err
	}
	e.sess.State = StateClosed
	s.closed.Add(1)
	slog.Info("session: closed", "session_id", e.sess.ID, "user_id", userID)
	return nil
}

// Commit appends a completed turn, evicting the oldest turn when the bounded
// history is full, and updates LastActivity.
func (s *MemoryStore) Commit(_ context.Context, userID string, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[userID]
	if !ok || e.sess == nil || e.sess.State != StateActive {
		return ErrNotFound
	}
	if err := checkOwner(e.sess, userID); err != nil {
		return err
	}

	e.sess.History = append(e.sess.History, turn)
	if s.maxHistory > 0 && len(e.sess.History) > s.maxHistory {
		e.sess.History = e.sess.History[len(e.sess.History)-s.maxHistory:]
	}
	e.sess.LastActivity = time.Now()
	s.turns.Add(1)
	return nil
}

// SweepExpired reclaims sessions idle past the TTL. Entries whose per-user
// lock is held by an in-flight turn are skipped and reclaimed on a later
// cycle.
func (s *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for userID, e := range s.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.sess != nil {
			switch {
			case e.sess.State == StateClosed:
				e.sess = nil
				reclaimed++
			case s.overdue(e.sess):
				e.sess.State = StateExpired
				e.sess = nil
				s.expired.Add(1)
				reclaimed++
			}
		}
		if e.sess == nil {
			delete(s.entries, userID)
		}
		e.mu.Unlock()
	}

	if reclaimed > 0 {
		slog.Info("session: sweep reclaimed sessions", "count", reclaimed)
	}
	return reclaimed, nil
}

// Stats returns a snapshot of the store counters.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	active := 0
	for _, e := range s.entries {
		if e.sess != nil && e.sess.State == StateActive && !s.overdue(e.sess) {
			active++
		}
	}
	s.mu.RUnlock()

	return Stats{
		ActiveSessions: active,
		TotalCreated:   s.created.Load(),
		TotalExpired:   s.expired.Load(),
		TotalClosed:    s.closed.Load(),
		TotalTurns:     s.turns.Load(),
	}, nil
}

// StartSweeper starts a background goroutine that periodically reclaims
// expired sessions. The goroutine is stopped when Shutdown is called.
func (s *MemoryStore) StartSweeper(interval time.Duration) {
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
				_, _ = s.SweepExpired(ctx)
			}
		}
	}()
}

// Shutdown stops the sweeper goroutine and waits for it to exit. It is safe
// to call Shutdown even if StartSweeper was never called.
func (s *MemoryStore) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// overdue reports whether a session has been idle past the TTL.
func (s *MemoryStore) overdue(sess *Session) bool {
	return time.Since(sess.LastActivity) > s.ttl
}

// checkOwner verifies the entry's session belongs to the keyed user.
func checkOwner(sess *Session, userID string) error {
	if sess.UserID != userID {
		return fmt.Errorf("%w: entry for %q holds session owned by %q",
			ErrInvariantViolation, userID, sess.UserID)
	}
	return nil
}

// copySession returns a copy safe to read outside the store locks.
func copySession(sess *Session) *Session {
	out := *sess
	out.History = make([]Turn, len(sess.History))
	copy(out.History, sess.History)
	return &out
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
