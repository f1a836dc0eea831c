package access

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a process-local Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.Mutex
	mode    Mode
	hasMode bool
	cards   map[string]Card
	scans   []ScanEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cards: make(map[string]Card)}
}

func (m *MemoryStore) LoadMode(context.Context) (Mode, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.hasMode, nil
}

func (m *MemoryStore) SaveMode(_ context.Context, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode, m.hasMode = mode, true
	return nil
}

func (m *MemoryStore) ListCards(context.Context) ([]Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Card, 0, len(m.cards))
	for _, c := range m.cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) EnrollCard(_ context.Context, card Card, ev ScanEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cards {
		if c.TagID == card.TagID {
			return ErrCardExists
		}
	}
	m.cards[card.ID] = card
	m.scans = append(m.scans, ev)
	return nil
}

func (m *MemoryStore) DeleteCard(_ context.Context, id string) (Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return Card{}, ErrCardNotFound
	}
	delete(m.cards, id)
	return c, nil
}

func (m *MemoryStore) UpdateCardLabel(_ context.Context, id, label string) (Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return Card{}, ErrCardNotFound
	}
	c.Label = label
	m.cards[id] = c
	return c, nil
}

func (m *MemoryStore) AppendScan(_ context.Context, ev ScanEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = append(m.scans, ev)
	return nil
}

func (m *MemoryStore) ListScans(_ context.Context, limit int) ([]ScanEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ScanEvent, 0, min(limit, len(m.scans)))
	for i := len(m.scans) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.scans[i])
	}
	return out, nil
}
