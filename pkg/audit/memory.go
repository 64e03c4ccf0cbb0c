package audit

import (
	"context"
	"sync"

	"github.com/veilgate/veilgate/pkg/domain"
)

// defaultMaxEvents caps the in-memory store. The oldest events are dropped
// once the cap is reached; the store is operational state, not an archive.
const defaultMaxEvents = 10000

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []domain.AuditEvent
	max    int
}

// NewMemoryStore creates a MemoryStore with the default capacity.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreSize(defaultMaxEvents)
}

// NewMemoryStoreSize creates a MemoryStore holding at most max events.
func NewMemoryStoreSize(max int) *MemoryStore {
	if max <= 0 {
		max = defaultMaxEvents
	}
	return &MemoryStore{max: max}
}

// Append records one event, evicting the oldest entry at capacity.
func (s *MemoryStore) Append(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, event)
	if len(s.events) > s.max {
		s.events = s.events[len(s.events)-s.max:]
	}
	return nil
}

// Query returns matching events, oldest first. A positive Limit keeps the
// most recent matches.
func (s *MemoryStore) Query(_ context.Context, q Query) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEvent
	for _, event := range s.events {
		if q.Matches(event) {
			out = append(out, event)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Len returns the number of retained events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
