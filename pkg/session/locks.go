package session

import "sync"

// KeyedMutex provides one mutex per key. It backs per-user turn
// serialization for stores that do not keep per-user entries of their own.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Acquire locks the mutex for a key, creating it on first use, and returns
// the release function.
func (k *KeyedMutex) Acquire(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
