package kvstore

import (
	"context"
	"sync"
)

// memoryStore is an in-process Store used by tests and by delete_pool_entries
// style test hooks that want a store with no on-disk footprint.
type memoryStore struct {
	mu    sync.Mutex
	lists map[string][]string
	kv    map[string]string
}

// NewMemory creates an in-memory Store. It satisfies the same Store contract
// as the BadgerHold-backed implementation, so planqueue.Service tests do not
// need an on-disk database.
func NewMemory() Store {
	return &memoryStore{
		lists: make(map[string][]string),
		kv:    make(map[string]string),
	}
}

func (s *memoryStore) ListAll(_ context.Context, list string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lists[list]...), nil
}

func (s *memoryStore) ListLen(_ context.Context, list string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lists[list]), nil
}

func (s *memoryStore) ListReplace(_ context.Context, list string, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[list] = append([]string(nil), values...)
	return nil
}

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv[key], nil
}

func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *memoryStore) Close() error { return nil }
