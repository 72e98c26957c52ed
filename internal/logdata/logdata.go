// Package logdata caches controller log data entries (persistent event log
// notifications) in a fixed-size ring so they can be read back later through
// the driver command interface.
//
// Entries are stored in slot order: once the ring wraps, the oldest slot is
// overwritten and readers see slots 0..n-1, not chronological order.
package logdata

import (
	"errors"
	"sync"
)

// DefaultMaxEntries is the ring capacity.
const DefaultMaxEntries = 400

// ErrInvalidGeometry is returned for non-positive capacities or entry sizes.
var ErrInvalidGeometry = errors.New("logdata: capacity and entry size must be positive")

// Store is a log data ring.
type Store interface {
	// Append writes entry, zero padded or truncated to EntrySize, into the
	// next slot.
	Append(entry []byte) error
	// Entries returns up to max populated slots in slot order.
	Entries(max int) ([][]byte, error)
	// Len returns the number of populated slots.
	Len() int
	EntrySize() int
	Close() error
}

// MemoryStore keeps the ring in memory.
type MemoryStore struct {
	slots     [][]byte
	entrySize int
	next      int
	count     int
	mu        sync.RWMutex
}

// NewMemoryStore creates an in-memory ring.
func NewMemoryStore(maxEntries, entrySize int) (*MemoryStore, error) {
	if maxEntries <= 0 || entrySize <= 0 {
		return nil, ErrInvalidGeometry
	}

	return &MemoryStore{
		slots:     make([][]byte, maxEntries),
		entrySize: entrySize,
	}, nil
}

// Append implements Store.
func (s *MemoryStore) Append(entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots[s.next] = normalize(entry, s.entrySize)
	s.next = (s.next + 1) % len(s.slots)

	if s.count < len(s.slots) {
		s.count++
	}

	return nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(max int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := min(max, s.count)
	out := make([][]byte, 0, n)

	for i := 0; i < n; i++ {
		out = append(out, append([]byte(nil), s.slots[i]...))
	}

	return out, nil
}

// Len implements Store.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.count
}

// EntrySize implements Store.
func (s *MemoryStore) EntrySize() int { return s.entrySize }

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func normalize(entry []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, entry)

	return out
}
