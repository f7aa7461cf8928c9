package store

import (
	"context"
	"sync"

	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// MemoryStore is an in-process backend used in dev mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[model.Environment]*model.TokenRecord
	puts    int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[model.Environment]*model.TokenRecord)}
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

func (s *MemoryStore) Get(ctx context.Context, env model.Environment) (*model.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[env]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, env model.Environment, rec *model.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[env] = rec.Clone()
	s.puts++
	return nil
}

// PutCount reports how many writes the store has seen; concurrency tests
// use it to detect lost updates.
func (s *MemoryStore) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}
