// Package nvs provides the key/value persistence interface the device
// core depends on. The storage format behind it is a black box: records
// are small typed structs keyed by a stable name.
package nvs

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a key has no stored record.
var ErrNotFound = fmt.Errorf("nvs: key not found")

// Store persists small typed records by name.
type Store interface {
	// Load unmarshals the record stored under key into out.
	// Returns ErrNotFound when the key has never been saved.
	Load(key string, out any) error
	// Save marshals v and stores it under key, replacing any previous
	// record.
	Save(key string, v any) error
	// Delete removes the record under key. Deleting a missing key is not
	// an error.
	Delete(key string) error
}

var keyPattern = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// FileStore keeps one YAML file per key under a directory. It is the
// host-side stand-in for the device's non-volatile storage.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the directory if needed and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("nvs: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Load implements Store.
func (s *FileStore) Load(key string, out any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("nvs: read %s: %w", key, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("nvs: parse %s: %w", key, err)
	}
	return nil
}

// Save implements Store.
func (s *FileStore) Save(key string, v any) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("nvs: marshal %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("nvs: write %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("nvs: delete %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) path(key string) (string, error) {
	if !keyPattern.MatchString(key) {
		return "", fmt.Errorf("nvs: invalid key %q", key)
	}
	return filepath.Join(s.dir, key+".yaml"), nil
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Load implements Store.
func (s *MemStore) Load(key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[key]
	if !ok {
		return ErrNotFound
	}
	return yaml.Unmarshal(data, out)
}

// Save implements Store.
func (s *MemStore) Save(key string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
	return nil
}

// Delete implements Store.
func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
