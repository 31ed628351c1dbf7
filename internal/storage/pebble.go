// Package storage provides the durable string key/value store used for
// local session state.
package storage

import (
	"errors"
	"fmt"
	"os"
	"sync"

	pebble "github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// Store is a Pebble-backed key/value store with string keys and values.
type Store struct {
	db   *pebble.DB
	once sync.Once
}

// Open opens (or creates) a store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a store backed by an in-memory filesystem.
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the value for key. ok is false when the key is absent.
func (s *Store) Get(key string) (string, bool, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	defer closer.Close()
	// copy value, v is only valid until closer is closed
	return string(v), true, nil
}

// Set stores value under key, synced to disk.
func (s *Store) Set(key, value string) error {
	if err := s.db.Set([]byte(key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying database. Subsequent calls are no-ops.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		err = s.db.Close()
	})
	return err
}
