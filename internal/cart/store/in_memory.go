package store

import (
	"context"
	"slices"
	"sync"
)

// inMemory implements CartStore using a guarded slice.
type inMemory struct {
	mu  sync.RWMutex
	ids []string
}

// NewInMemoryStore creates a new instance of CartStore holding the given identifiers.
func NewInMemoryStore(ids ...string) CartStore {
	return &inMemory{
		ids: slices.Clone(ids),
	}
}

// Load returns a copy of the stored identifiers.
func (s *inMemory) Load(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ids == nil {
		return []string{}, nil
	}
	return slices.Clone(s.ids), nil
}

// Save replaces the stored identifiers.
func (s *inMemory) Save(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = slices.Clone(ids)
	return nil
}
