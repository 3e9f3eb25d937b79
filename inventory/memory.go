package inventory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for local runs and tests. Writes can be made
// to fail per key through FailOn.
type MemoryStore struct {
	mu      sync.Mutex
	order   []string
	records map[string]Record

	// FailOn, when set, is consulted before every write; a non-nil error aborts it.
	FailOn func(op string, p Payload) error

	creates int
	updates int
}

func NewMemoryStore(seed ...Record) *MemoryStore {
	m := &MemoryStore{records: make(map[string]Record, len(seed))}
	for _, r := range seed {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		m.order = append(m.order, r.ID)
		m.records[r.ID] = r
	}
	return m
}

func (m *MemoryStore) List(_ context.Context, source string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		if r := m.records[id]; r.Source == source {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) Create(_ context.Context, p Payload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOn != nil {
		if err := m.FailOn("create", p); err != nil {
			return "", err
		}
	}
	r := Record{ID: uuid.NewString()}.Apply(p, true)
	m.order = append(m.order, r.ID)
	m.records[r.ID] = r
	m.creates++
	return r.ID, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailOn != nil {
		if err := m.FailOn("update", p); err != nil {
			return err
		}
	}
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	m.records[id] = r.Apply(p, false)
	m.updates++
	return nil
}

// Get returns a copy of record id.
func (m *MemoryStore) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// Writes reports how many creates and updates were applied.
func (m *MemoryStore) Writes() (creates, updates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates, m.updates
}
