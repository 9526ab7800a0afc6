package store

import (
	"context"
	"errors"
	"sync"
)

// MemoryStore implements Persister and Watcher with an in-memory map.
// Used for testing and development. Not suitable for production (no
// persistence across restarts).
type MemoryStore struct {
	mu       sync.RWMutex
	slots    map[string][]byte
	watchers map[string][]chan struct{}

	// FailSaves makes every Save return an error, for exercising the
	// persistence failure path.
	FailSaves bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:    make(map[string][]byte),
		watchers: make(map[string][]chan struct{}),
	}
}

func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.slots[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Return a copy to avoid external mutation.
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSaves {
		return errors.New("store: memory save disabled")
	}
	s.slots[key] = append([]byte(nil), data...)
	for _, ch := range s.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Watch reports every Save under key, including the watcher's own.
func (s *MemoryStore) Watch(ctx context.Context, key string, onChange func()) error {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.watchers[key] = append(s.watchers[key], ch)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.watchers[key]
		for i, c := range list {
			if c == ch {
				s.watchers[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			onChange()
		}
	}
}
