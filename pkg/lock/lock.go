// Package lock serializes release runs. Only one gate run may hold the
// lock for a given release key at a time; a second run fails fast with
// ErrHeld instead of racing the first.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrHeld           = errors.New("lock: already held")
	ErrUnknownBackend = errors.New("lock: unknown backend")
)

// Unlock releases a held lock. Calling it after the lock expired and
// was taken by another holder is a no-op.
type Unlock func(ctx context.Context) error

// Lock grants exclusive ownership of a key for a bounded TTL.
type Lock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Unlock, error)
}

// New builds a lock for the named backend.
func New(backend, addr, password string, db int) (Lock, error) {
	switch backend {
	case "memory", "":
		return NewMemory(), nil
	case "redis":
		return NewRedis(addr, password, db), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

type memoryEntry struct {
	token  string
	expiry time.Time
}

// Memory is the in-process lock for single-host runs.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memoryEntry), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Unlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if e, ok := m.held[key]; ok && e.expiry.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}

	token := uuid.NewString()
	m.held[key] = memoryEntry{token: token, expiry: now.Add(ttl)}

	unlock := func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Only the holder that set the token may delete it.
		if e, ok := m.held[key]; ok && e.token == token {
			delete(m.held, key)
		}
		return nil
	}
	return unlock, nil
}
