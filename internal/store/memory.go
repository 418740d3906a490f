package store

import (
	"context"
	"sync"

	"nostr-ilp-relay/internal/types"
)

type memoryEntry struct {
	evt     *types.Event
	deleted bool
}

// MemoryStore is an EventStore kept in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string]*memoryEntry
	maxLimit int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*memoryEntry), maxLimit: DefaultQueryLimit}
}

func (m *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[id]
	return ok, nil
}

func (m *MemoryStore) Save(ctx context.Context, evt *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[evt.ID]; ok {
		return ErrDuplicate
	}
	cp := *evt
	m.events[evt.ID] = &memoryEntry{evt: &cp}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*types.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok || e.deleted {
		return nil, nil
	}
	cp := *e.evt
	return &cp, nil
}

func (m *MemoryStore) QueryByFilters(ctx context.Context, filters types.Filters) ([]*types.Event, error) {
	if len(filters) == 0 {
		filters = types.Filters{{}}
	}
	m.mu.RLock()
	all := make([]*types.Event, 0, len(m.events))
	for _, e := range m.events {
		if !e.deleted {
			all = append(all, e.evt)
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(all)

	seen := make(map[string]bool)
	var out []*types.Event
	for i := range filters {
		f := &filters[i]
		limit := filterLimit(f, m.maxLimit)
		n := 0
		for _, evt := range all {
			if n >= limit {
				break
			}
			if !f.Matches(evt) {
				continue
			}
			n++
			if !seen[evt.ID] {
				seen[evt.ID] = true
				cp := *evt
				out = append(out, &cp)
			}
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, id)
	return nil
}

func (m *MemoryStore) MarkDeleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok {
		e.deleted = true
	}
	return nil
}

// Len returns the number of stored events, deleted ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryStore) Close() error { return nil }
