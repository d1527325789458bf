package store

import (
	"context"
	"sync"
)

type memoryStore struct {
	mutex   sync.RWMutex
	records map[string][]byte
}

var _ Adapter = (*memoryStore)(nil)

// NewMemory returns an in-memory Adapter. Useful for tests and demos where
// no real backing store is available.
func NewMemory() Adapter {
	return &memoryStore{records: make(map[string][]byte)}
}

func (s *memoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	val, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *memoryStore) Save(_ context.Context, key string, value []byte) error {
	val := make([]byte, len(value))
	copy(val, value)
	s.mutex.Lock()
	s.records[key] = val
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	delete(s.records, key)
	s.mutex.Unlock()
	return nil
}
