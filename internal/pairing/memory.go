package pairing

import (
	"context"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Artifact
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Sweeper = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Artifact)}
}

func (s *MemoryStore) Put(_ context.Context, a Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[a.DeviceID] = a
	return nil
}

func (s *MemoryStore) Get(_ context.Context, deviceID string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.items[deviceID]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *MemoryStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, deviceID)
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, a := range s.items {
		if !now.Before(a.ExpiresAt) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
