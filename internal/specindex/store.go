// Package specindex stores and serves the flattened API specification
// that the search tool exposes to agent code. A background job writes
// spec.json and products.json into a drop directory; this package
// ingests them into bbolt and keeps an in-memory snapshot current,
// including picking up fresh drops at runtime.
package specindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	bolt "go.etcd.io/bbolt"
)

const (
	// SpecKey and ProductsKey are the fixed object names the
	// population job writes and the search path reads.
	SpecKey     = "spec.json"
	ProductsKey = "products.json"

	storeDirPerm  = fs.FileMode(0o700)
	storeFilePerm = fs.FileMode(0o600)
	openTimeout   = 5 * time.Second
)

var objectsBucket = []byte("objects")

// ErrNotFound is returned when a requested object has never been
// ingested.
var ErrNotFound = errors.New("object not found")

// Store is the spec object store. Reads of the flattened spec go
// through an in-memory snapshot so the hot search path never touches
// disk.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger

	mu   sync.RWMutex
	spec map[string]any
}

// Open opens (or creates) the store database and loads the spec
// snapshot if one was previously ingested.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening spec store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing spec store: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.refreshSnapshot(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores one object. Storing the spec object also refreshes the
// in-memory snapshot, so a malformed document is rejected rather than
// replacing a good one.
func (s *Store) Put(key string, data []byte) error {
	if key == SpecKey {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing %s: %w", key, err)
		}

		defer func() {
			s.mu.Lock()
			s.spec = doc
			s.mu.Unlock()
		}()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(objectsBucket).Put([]byte(key), data)
	})
}

// Get returns one stored object's raw bytes.
func (s *Store) Get(key string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(objectsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}

		data = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// Spec returns the current flattened specification snapshot. Its
// absence is an operator fault: the population job has never run.
func (s *Store) Spec() (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.spec == nil {
		return nil, errors.New("API specification not available: run the ingest job to populate spec.json")
	}

	return s.spec, nil
}

// IngestDir loads any spec objects already sitting in the drop
// directory. Called once at startup before watching begins.
func (s *Store) IngestDir(dir string) error {
	for _, name := range []string{SpecKey, ProductsKey} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		if err := s.Put(name, data); err != nil {
			return err
		}

		s.logger.Info("ingested spec object", slog.String("name", name), slog.Int("bytes", len(data)))
	}

	return nil
}

// Watch ingests spec objects dropped into dir until ctx is cancelled.
// A bad drop is logged and skipped; the previous snapshot stays live.
func (s *Store) Watch(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, storeDirPerm); err != nil {
		return fmt.Errorf("creating drop directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating drop watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching drop directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}

			name := filepath.Base(event.Name)
			if name != SpecKey && name != ProductsKey {
				continue
			}

			data, err := os.ReadFile(event.Name)
			if err != nil {
				s.logger.Warn("reading dropped spec object", slog.String("name", name), slog.String("error", err.Error()))
				continue
			}

			if err := s.Put(name, data); err != nil {
				s.logger.Warn("ingesting dropped spec object", slog.String("name", name), slog.String("error", err.Error()))
				continue
			}

			s.logger.Info("ingested spec object", slog.String("name", name), slog.Int("bytes", len(data)))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			s.logger.Warn("drop watcher error", slog.String("error", err.Error()))
		}
	}
}

// refreshSnapshot loads the spec snapshot from bbolt. A missing spec
// object is not an error at open time; Spec reports it on use.
func (s *Store) refreshSnapshot() error {
	data, err := s.Get(SpecKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing stored spec: %w", err)
	}

	s.mu.Lock()
	s.spec = doc
	s.mu.Unlock()

	return nil
}
