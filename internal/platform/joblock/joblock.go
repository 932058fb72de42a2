// Package joblock keeps two instances from running the same scheduled job at
// once. A lock is held for at most its TTL; jobs must finish within it.
package joblock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned by Acquire when another holder owns the lock.
var ErrHeld = errors.New("job lock held by another instance")

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
}

// MemoryLocker serializes jobs within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), clock: time.Now}
}

func (m *MemoryLocker) Acquire(_ context.Context, name string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if until, ok := m.held[name]; ok && now.Before(until) {
		return nil, ErrHeld
	}
	until := now.Add(ttl)
	m.held[name] = until
	return &memoryLease{locker: m, name: name, until: until}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	name   string
	until  time.Time
	once   sync.Once
}

func (l *memoryLease) Release(context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		defer l.locker.mu.Unlock()
		// A lease that outlived its TTL may have been taken over.
		if cur, ok := l.locker.held[l.name]; ok && cur.Equal(l.until) {
			delete(l.locker.held, l.name)
		}
	})
	return nil
}
