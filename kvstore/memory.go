package kvstore

import (
	"context"
	"sync"

	"github.com/emberline/nodecore/errors"
)

// Memory is a process-local Store for tests and diskless deployments.
// Revisions are monotonic per key, starting at 1.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry)}
}

func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, errors.WrapTransient(errors.ErrNoData, "kvstore", "Get", "lookup "+key)
	}
	out := &Entry{Key: key, Value: append([]byte(nil), entry.Value...), Revision: entry.Revision}
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	revision := uint64(1)
	if entry, ok := m.entries[key]; ok {
		revision = entry.Revision + 1
	}
	m.entries[key] = &Entry{Key: key, Value: append([]byte(nil), value...), Revision: revision}
	return revision, nil
}

func (m *Memory) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	switch {
	case revision == 0 && ok:
		return 0, errors.WrapTransient(errors.ErrTryAgain, "kvstore", "Update", "create "+key)
	case revision != 0 && (!ok || entry.Revision != revision):
		return 0, errors.WrapTransient(errors.ErrTryAgain, "kvstore", "Update", "revision check for "+key)
	}

	next := uint64(1)
	if ok {
		next = entry.Revision + 1
	}
	m.entries[key] = &Entry{Key: key, Value: append([]byte(nil), value...), Revision: next}
	return next, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return errors.WrapTransient(errors.ErrNoData, "kvstore", "Delete", "lookup "+key)
	}
	delete(m.entries, key)
	return nil
}
