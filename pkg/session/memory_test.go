package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	memTestTTL        = 5 * time.Minute
	memTestShortTTL   = 30 * time.Millisecond
	memTestHistory    = 10
	memTestGoroutines = 20
	memTestUser       = "u1"
)

func newMemStore(ttl time.Duration) *MemoryStore {
	return NewMemoryStore(MemoryConfig{TTL: ttl, MaxHistory: memTestHistory})
}

func TestMemoryStore_GetOrCreate(t *testing.T) {
	store := newMemStore(memTestTTL)
	ctx := context.Background()

	sess, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, memTestUser, sess.UserID)
	assert.Equal(t, StateActive, sess.State)
	assert.NotEmpty(t, sess.ID)

	again, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID, "existing active session is reused")
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := newMemStore(memTestTTL)

	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetDoesNotExtendTTL(t *testing.T) {
	store := newMemStore(memTestTTL)
	ctx := context.Background()

	created, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)

	got, err := store.Get(ctx, memTestUser)
	require.NoError(t, err)
	assert.Equal(t, created.LastActivity, got.LastActivity)
}

func TestMemoryStore_CloseSessionIdempotence(t *testing.T) {
	store := newMemStore(memTestTTL)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)

	require.NoError(t, store.CloseSession(ctx, memTestUser))
	assert.ErrorIs(t, store.CloseSession(ctx, memTestUser), ErrNotFound)
	_, err = store.Get(ctx, memTestUser)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CloseUnknownUser(t *testing.T) {
	store := newMemStore(memTestTTL)

	assert.ErrorIs(t, store.CloseSession(context.Background(), "ghost"), ErrNotFound)
}

func TestMemoryStore_CommitBoundsHistory(t *testing.T) {
	store := newMemStore(memTestTTL)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)

	for i := 0; i < memTestHistory+5; i++ {
		require.NoError(t, store.Commit(ctx, memTestUser, Turn{
			Timestamp: time.Now(),
			Input:     "q",
			Output:    "a",
		}))
	}

	sess, err := store.Get(ctx, memTestUser)
	require.NoError(t, err)
	assert.Len(t, sess.History, memTestHistory, "oldest turns are evicted")
}

func TestMemoryStore_CommitWithoutSession(t *testing.T) {
	store := newMemStore(memTestTTL)

	err := store.Commit(context.Background(), "ghost", Turn{Input: "q"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SweepExpired(t *testing.T) {
	store := newMemStore(memTestShortTTL)
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)

	time.Sleep(2 * memTestShortTTL)

	count, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.Get(ctx, memTestUser)
	assert.ErrorIs(t, err, ErrNotFound)

	// Re-creation after expiry yields a new session ID.
	second, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestMemoryStore_SweepSkipsLockedSessions(t *testing.T) {
	store := newMemStore(memTestShortTTL)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)

	time.Sleep(2 * memTestShortTTL)

	release := store.Acquire(memTestUser)
	count, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "in-flight session is not evicted mid-turn")
	release()

	count, err = store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "eviction deferred until the lock is released")
}

func TestMemoryStore_ConcurrentSameUser(t *testing.T) {
	store := newMemStore(memTestTTL)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < memTestGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := store.Acquire(memTestUser)
			defer release()

			_, err := store.GetOrCreate(ctx, memTestUser)
			assert.NoError(t, err)
			assert.NoError(t, store.Commit(ctx, memTestUser, Turn{
				Timestamp: time.Now(),
				Input:     "q",
				Output:    "a",
			}))
		}()
	}
	wg.Wait()

	sess, err := store.Get(ctx, memTestUser)
	require.NoError(t, err)
	assert.Len(t, sess.History, memTestHistory, "no lost or duplicated turns up to the bound")

	for i := 1; i < len(sess.History); i++ {
		assert.False(t, sess.History[i].Timestamp.Before(sess.History[i-1].Timestamp),
			"history timestamps are non-decreasing")
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalCreated, "no duplicate-session creation race")
	assert.Equal(t, int64(memTestGoroutines), stats.TotalTurns)
}

func TestMemoryStore_DistinctUsersAreIndependent(t *testing.T) {
	store := newMemStore(memTestTTL)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	_, err = store.GetOrCreate(ctx, "bob")
	require.NoError(t, err)

	require.NoError(t, store.Commit(ctx, "alice", Turn{Input: "q", Output: "a"}))
	require.NoError(t, store.CloseSession(ctx, "bob"))

	alice, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, alice.History, 1)

	_, err = store.Get(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_InvariantViolation(t *testing.T) {
	store := newMemStore(memTestTTL)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)

	// Corrupt the user->session index directly.
	store.mu.Lock()
	store.entries[memTestUser].sess.UserID = "someone-else"
	store.mu.Unlock()

	_, err = store.Get(ctx, memTestUser)
	assert.ErrorIs(t, err, ErrInvariantViolation)
	_, err = store.GetOrCreate(ctx, memTestUser)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestMemoryStore_Stats(t *testing.T) {
	store := newMemStore(memTestTTL)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, "alice")
	require.NoError(t, err)
	_, err = store.GetOrCreate(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, store.CloseSession(ctx, "bob"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, int64(2), stats.TotalCreated)
	assert.Equal(t, int64(1), stats.TotalClosed)
}

func TestMemoryStore_SweeperLifecycle(t *testing.T) {
	store := newMemStore(memTestShortTTL)
	ctx := context.Background()

	_, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)

	store.StartSweeper(memTestShortTTL)
	time.Sleep(4 * memTestShortTTL)
	require.NoError(t, store.Shutdown())

	_, err = store.Get(ctx, memTestUser)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ShutdownWithoutStart(t *testing.T) {
	store := newMemStore(memTestTTL)
	require.NoError(t, store.Shutdown())
}

func TestSessionSummarize(t *testing.T) {
	store := newMemStore(memTestTTL)
	ctx := context.Background()

	sess, err := store.GetOrCreate(ctx, memTestUser)
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, memTestUser, Turn{
		Timestamp: time.Now(),
		Input:     "q",
		Output:    "a",
	}))

	sess, err = store.Get(ctx, memTestUser)
	require.NoError(t, err)

	summary := sess.Summarize()
	assert.Equal(t, sess.ID, summary.SessionID)
	assert.Equal(t, memTestUser, summary.UserID)
	assert.Equal(t, 1, summary.Turns)
	assert.Equal(t, StateActive, summary.State)
	assert.Equal(t, sess.LastActivity, summary.LastActivity)
}
