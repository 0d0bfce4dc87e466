// Package lock provides keyed, expiring mutual exclusion for build pipelines.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned when the key is already locked by someone else.
var ErrHeld = errors.New("lock: already held")

// Locker acquires a lock on key for at most ttl. The returned release func
// is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	now   func() time.Time
	count uint64
}

type memoryEntry struct {
	token   uint64
	expires time.Time
}

// NewMemory returns an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), now: time.Now}
}

// Acquire implements Locker.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if entry, ok := m.held[key]; ok && (entry.expires.IsZero() || now.Before(entry.expires)) {
		return nil, ErrHeld
	}
	m.count++
	entry := memoryEntry{token: m.count}
	if ttl > 0 {
		entry.expires = now.Add(ttl)
	}
	m.held[key] = entry

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if current, ok := m.held[key]; ok && current.token == entry.token {
				delete(m.held, key)
			}
			m.mu.Unlock()
		})
	}, nil
}
