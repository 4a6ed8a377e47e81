package history

import (
	"context"
	"sync"

	"github.com/wippyai/wasm-supervisor/errors"
)

// DefaultCapacity is how many entries a store keeps when none is configured.
const DefaultCapacity = 1000

// Memory is a bounded in-process history. The oldest entries are dropped
// once capacity is reached.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

// NewMemory creates a history holding up to capacity entries.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{entries: make([]Entry, capacity)}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
	return nil
}

// ordered returns entries oldest first. Callers hold mu.
func (m *Memory) ordered() []Entry {
	if !m.full {
		return m.entries[:m.next]
	}
	out := make([]Entry, 0, len(m.entries))
	out = append(out, m.entries[m.next:]...)
	return append(out, m.entries[:m.next]...)
}

func (m *Memory) Get(_ context.Context, requestID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.ordered() {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, errors.NotFound(errors.PhaseRegistry, "request", requestID)
	}
	return out, nil
}

func (m *Memory) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	all := m.ordered()
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]Entry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *Memory) Close() error { return nil }
