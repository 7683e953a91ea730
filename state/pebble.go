package state

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
)

// ErrNotFound is returned by Storage.Get for a missing key.
var ErrNotFound = errors.New("state: key not found")

// Storage is the durable key/value layer behind a Store.
type Storage interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// pebbleStorage persists client state in a PebbleDB directory.
type pebbleStorage struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenPebble opens (or creates) a pebble database in dir. A nil fs uses the
// OS filesystem; tests pass vfs.NewMem().
func OpenPebble(dir string, fs vfs.FS) (Storage, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		dir = filepath.Clean(dir)
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	return &pebbleStorage{db: db}, nil
}

func (s *pebbleStorage) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), val...), nil
}

func (s *pebbleStorage) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set([]byte(key), value, pebble.Sync)
}

func (s *pebbleStorage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *pebbleStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
