package cursor

import (
	"context"
	"sync"
)

// MemoryStore keeps cursors in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]uint64)}
}

func (*MemoryStore) Initialize(context.Context) error { return nil }

func (s *MemoryStore) Read(_ context.Context, chain string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.cursors[chain]
	return last, ok, nil
}

func (s *MemoryStore) Write(_ context.Context, chain string, last uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors[chain]; ok && cur >= last {
		return nil
	}
	s.cursors[chain] = last
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, chain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, chain)
	return nil
}

var _ Store = (*MemoryStore)(nil)
