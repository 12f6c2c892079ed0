package state

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu       sync.Mutex
	active   *Session
	counters map[Counter]int64
	ready    bool
	closing  bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{counters: make(map[Counter]int64)}
}

var _ Store = (*memoryStore)(nil)

func (m *memoryStore) TunnelConnected(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.active = &cp
	return nil
}

func (m *memoryStore) TunnelDisconnected(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.ID == id {
		m.active = nil
	}
	return nil
}

func (m *memoryStore) Incr(_ context.Context, c Counter) {
	m.mu.Lock()
	m.counters[c]++
	m.mu.Unlock()
}

func (m *memoryStore) Stats(context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Counters: make(map[Counter]int64, len(allCounters))}
	for _, c := range allCounters {
		st.Counters[c] = m.counters[c]
	}
	if m.active != nil {
		cp := *m.active
		st.Active = &cp
	}
	return st, nil
}

func (m *memoryStore) SetReady(ready bool)     { m.mu.Lock(); m.ready = ready; m.mu.Unlock() }
func (m *memoryStore) SetClosing(closing bool) { m.mu.Lock(); m.closing = closing; m.mu.Unlock() }
func (m *memoryStore) IsReady() bool           { m.mu.Lock(); defer m.mu.Unlock(); return m.ready }
func (m *memoryStore) IsClosing() bool         { m.mu.Lock(); defer m.mu.Unlock(); return m.closing }
func (m *memoryStore) Close() error            { return nil }
