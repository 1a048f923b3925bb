package store

import (
	"context"
	"sync"
)

// None is the pid recorded when no server is owned.
const None = -1

// Store persists the pid of the supervised server under a key so that a
// restarted supervisor can find a server it launched earlier.
//
// Get reports ok=false when nothing was ever recorded for key. A recorded
// None is returned as (None, true, nil).
type Store interface {
	EnsureSchema(ctx context.Context) error
	Get(ctx context.Context, key string) (pid int, ok bool, err error)
	Set(ctx context.Context, key string, pid int) error
	Close() error
}

// Memory is an in-process Store. It does not survive a restart.
type Memory struct {
	mu   sync.RWMutex
	pids map[string]int
}

func NewMemory() *Memory { return &Memory{pids: make(map[string]int)} }

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Get(_ context.Context, key string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pid, ok := m.pids[key]
	return pid, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pids == nil {
		m.pids = make(map[string]int)
	}
	m.pids[key] = pid
	return nil
}

func (m *Memory) Close() error { return nil }

// Lookup returns the pid stored under key, mapping "never recorded" to None.
func Lookup(ctx context.Context, s Store, key string) (int, error) {
	pid, ok, err := s.Get(ctx, key)
	if err != nil {
		return None, err
	}
	if !ok {
		return None, nil
	}
	return pid, nil
}
