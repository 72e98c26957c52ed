package logdata

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// OpenBadger opens the database backing persistent rings. An empty dir opens
// an in-memory instance.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return db, nil
}

// BadgerStore persists a ring under a key prefix of a shared BadgerDB. The
// database is owned by the caller; Close does not close it.
type BadgerStore struct {
	db         *badger.DB
	prefix     string
	maxEntries int
	entrySize  int
	mu         sync.Mutex
}

// NewBadgerStore creates a ring keyed under prefix. Existing slots under the
// same prefix are kept, so the cache survives restarts.
func NewBadgerStore(db *badger.DB, prefix string, maxEntries, entrySize int) (*BadgerStore, error) {
	if maxEntries <= 0 || entrySize <= 0 {
		return nil, ErrInvalidGeometry
	}

	return &BadgerStore{
		db:         db,
		prefix:     prefix,
		maxEntries: maxEntries,
		entrySize:  entrySize,
	}, nil
}

func (s *BadgerStore) slotKey(i int) []byte {
	return []byte(fmt.Sprintf("%s/slot/%05d", s.prefix, i))
}

func (s *BadgerStore) metaKey(name string) []byte {
	return []byte(s.prefix + "/" + name)
}

func getCounter(txn *badger.Txn, key []byte) (int, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	var v uint64

	err = item.Value(func(val []byte) error {
		if len(val) == 8 {
			v = binary.BigEndian.Uint64(val)
		}

		return nil
	})

	return int(v), err
}

func setCounter(txn *badger.Txn, key []byte, v int) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))

	return txn.Set(key, buf)
}

// Append implements Store.
func (s *BadgerStore) Append(entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		next, err := getCounter(txn, s.metaKey("next"))
		if err != nil {
			return err
		}

		count, err := getCounter(txn, s.metaKey("count"))
		if err != nil {
			return err
		}

		if err := txn.Set(s.slotKey(next%s.maxEntries), normalize(entry, s.entrySize)); err != nil {
			return err
		}

		if count < s.maxEntries {
			count++
		}

		if err := setCounter(txn, s.metaKey("next"), (next+1)%s.maxEntries); err != nil {
			return err
		}

		return setCounter(txn, s.metaKey("count"), count)
	})
}

// Entries implements Store.
func (s *BadgerStore) Entries(max int) ([][]byte, error) {
	var out [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		count, err := getCounter(txn, s.metaKey("count"))
		if err != nil {
			return err
		}

		n := min(max, count)
		for i := 0; i < n; i++ {
			item, err := txn.Get(s.slotKey(i))
			if err != nil {
				return fmt.Errorf("slot %d: %w", i, err)
			}

			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			out = append(out, val)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read log data: %w", err)
	}

	return out, nil
}

// Len implements Store.
func (s *BadgerStore) Len() int {
	var count int

	_ = s.db.View(func(txn *badger.Txn) error {
		var err error
		count, err = getCounter(txn, s.metaKey("count"))

		return err
	})

	return count
}

// EntrySize implements Store.
func (s *BadgerStore) EntrySize() int { return s.entrySize }

// Close implements Store.
func (s *BadgerStore) Close() error { return nil }
