package tasks

import (
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrTaskNotFound is returned when a task id has no record (never created, or
// expired out of the store).
var ErrTaskNotFound = errors.New("tasks: task not found")

// Store is a key-value store with per-entry TTL. Records expire regardless of
// task state, which is what bounds the tracker's footprint.
type Store interface {
	// Set writes value under key with the given TTL.
	Set(key string, value []byte, ttl time.Duration) error
	// Get returns the value for key, or ErrTaskNotFound.
	Get(key string) ([]byte, error)
	// Scan returns all values whose key starts with prefix.
	Scan(prefix string) ([][]byte, error)
	// Close releases the store.
	Close() error
}

// BadgerStore implements Store on badger, using badger's native entry TTL so
// expiry needs no sweeper of our own.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a badger store at dir. An empty dir opens
// an in-memory store, which tests use.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Set(key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Scan(prefix string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, val)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
