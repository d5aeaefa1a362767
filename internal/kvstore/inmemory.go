package kvstore

import (
	"context"
	"sync"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: make(map[string]string)}
}

func (s *InMemoryStore) Get(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *InMemoryStore) Set(_ context.Context, values map[string]string) error {
	writes, removals := splitValues(values)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range writes {
		s.values[k] = v
	}
	for _, k := range removals {
		delete(s.values, k)
	}
	return nil
}

func (s *InMemoryStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
