// Package leveldb provides a local settings store for nodes running without redis
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
)

// SettingsStore keeps node settings in a LevelDB database under a key namespace.
type SettingsStore struct {
	db        *leveldb.DB
	namespace string
}

// OpenSettingsStore opens (or creates) a LevelDB database at path.
func OpenSettingsStore(path, namespace string) (*SettingsStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("leveldb settings path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb settings path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb settings store: %w", err)
	}
	return &SettingsStore{db: db, namespace: namespace}, nil
}

func (s *SettingsStore) key(key string) []byte {
	return []byte(s.namespace + ":" + key)
}

// Get returns the stored value, absent when the key or the store does not exist.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, nil
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	value, err := s.db.Get(s.key(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load setting: %w", err)
	}
	return string(value), true, nil
}

func (s *SettingsStore) Put(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return errors.New("leveldb settings store not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Put(s.key(key), []byte(value), nil); err != nil {
		return fmt.Errorf("store setting: %w", err)
	}
	return nil
}

// Close releases the underlying LevelDB resources.
func (s *SettingsStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
