package dmsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned by Storage.Load when the key has never been saved.
var ErrNotFound = errors.New("storage: key not found")

// Storage is the durable key-value backend behind ChatStore.
// Implementations: MemoryStorage, FileStorage, RedisStorage, SQLiteStorage.
type Storage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory storage, mainly for tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
	saves  int
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string][]byte)}
}

func (s *MemoryStorage) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStorage) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), data...)
	s.saves++
	return nil
}

// Saves reports how many times Save has been called.
func (s *MemoryStorage) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *MemoryStorage) Close() error { return nil }

// ============================================================================
// FileStorage
// ============================================================================

// FileStorage keeps one JSON file per key inside a directory.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage creates the directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) path(key string) string {
	name := strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(key)
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStorage) Load(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}
	return data, nil
}

// Save writes through a temp file and rename so a crash never leaves a
// truncated cache behind.
func (s *FileStorage) Save(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(key)
	tmp, err := os.CreateTemp(s.dir, ".cache-*")
	if err != nil {
		return fmt.Errorf("create temp cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

func (s *FileStorage) Close() error { return nil }
