// Package store persists controller state blobs in BadgerDB under a name.
//
// Keys are "state/<name>"; values are the opaque blobs produced by
// runtime.Controller.SaveState. The store never inspects a blob.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no blob is stored under a name.
var ErrNotFound = errors.New("state not found")

const statePrefix = "state/"

// Config configures the underlying database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory. Used by tests and the CLI default.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// Logger receives badger's internal messages. nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration with no disk persistence.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Store is a named collection of state blobs.
type Store struct {
	db *badger.DB
}

// Entry describes one stored blob.
type Entry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func stateKey(name string) ([]byte, error) {
	if name == "" || strings.ContainsAny(name, "/\x00") {
		return nil, fmt.Errorf("invalid state name %q", name)
	}
	return []byte(statePrefix + name), nil
}

// Put stores blob under name, replacing any previous value.
func (s *Store) Put(name string, blob []byte) error {
	key, err := stateKey(name)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, blob)
	})
}

// Get returns a copy of the blob stored under name.
func (s *Store) Get(name string) ([]byte, error) {
	key, err := stateKey(name)
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return blob, err
}

// Delete removes the blob stored under name.
func (s *Store) Delete(name string) error {
	key, err := stateKey(name)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%s: %w", name, ErrNotFound)
			}
			return err
		}
		return txn.Delete(key)
	})
}

// List returns every stored blob in key order.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(statePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			entries = append(entries, Entry{
				Name: strings.TrimPrefix(string(item.Key()), statePrefix),
				Size: item.ValueSize(),
			})
		}
		return nil
	})
	return entries, err
}

// StateSaver writes a state blob. runtime.Controller implements it.
type StateSaver interface {
	SaveState(w io.Writer) error
}

// StateLoader reads a state blob. runtime.Controller implements it.
type StateLoader interface {
	LoadState(r io.Reader) error
}

// Save captures src's state and stores it under name.
func (s *Store) Save(name string, src StateSaver) error {
	var buf bytes.Buffer
	if err := src.SaveState(&buf); err != nil {
		return fmt.Errorf("capture state: %w", err)
	}
	return s.Put(name, buf.Bytes())
}

// Restore loads the blob stored under name into dst.
func (s *Store) Restore(name string, dst StateLoader) error {
	blob, err := s.Get(name)
	if err != nil {
		return err
	}
	return dst.LoadState(bytes.NewReader(blob))
}
