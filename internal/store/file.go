package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/Checker-Finance/etrade-adapter/pkg/model"
)

// FileStore is the local-file fallback backend: one JSON file per
// environment under dir, written atomically via rename.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(env model.Environment) string {
	return filepath.Join(s.dir, fmt.Sprintf("token-%s.json", env))
}

func (s *FileStore) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.dir); err != nil {
		return fmt.Errorf("credential dir unavailable: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, env model.Environment) (*model.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(env))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var rec model.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode token file: %w", err)
	}
	return &rec, nil
}

func (s *FileStore) Put(ctx context.Context, env model.Environment, rec *model.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path(env) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path(env)); err != nil {
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}
