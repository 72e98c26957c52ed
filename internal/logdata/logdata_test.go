package logdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T, maxEntries, entrySize int) map[string]Store {
	t.Helper()

	mem, err := NewMemoryStore(maxEntries, entrySize)
	require.NoError(t, err)

	db, err := OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bs, err := NewBadgerStore(db, "adapter0", maxEntries, entrySize)
	require.NoError(t, err)

	return map[string]Store{"memory": mem, "badger": bs}
}

func TestStoreAppendAndRead(t *testing.T) {
	for name, s := range newStores(t, 4, 8) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Append([]byte("abc")))
			require.NoError(t, s.Append([]byte("0123456789")))

			assert.Equal(t, 2, s.Len())
			assert.Equal(t, 8, s.EntrySize())

			got, err := s.Entries(10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, []byte{'a', 'b', 'c', 0, 0, 0, 0, 0}, got[0])
			assert.Equal(t, []byte("01234567"), got[1])

			got, err = s.Entries(1)
			require.NoError(t, err)
			assert.Len(t, got, 1)
		})
	}
}

func TestStoreWraps(t *testing.T) {
	for name, s := range newStores(t, 3, 1) {
		t.Run(name, func(t *testing.T) {
			for _, b := range []byte("abcde") {
				require.NoError(t, s.Append([]byte{b}))
			}

			got, err := s.Entries(DefaultMaxEntries)
			require.NoError(t, err)

			// Slots 0 and 1 were overwritten by 'd' and 'e'.
			assert.Equal(t, [][]byte{{'d'}, {'e'}, {'c'}}, got)
			assert.Equal(t, 3, s.Len())
		})
	}
}

func TestBadgerStorePrefixesAreIsolated(t *testing.T) {
	db, err := OpenBadger("")
	require.NoError(t, err)
	defer db.Close()

	a, err := NewBadgerStore(db, "adapter0", 4, 4)
	require.NoError(t, err)
	b, err := NewBadgerStore(db, "adapter1", 4, 4)
	require.NoError(t, err)

	require.NoError(t, a.Append([]byte("aaaa")))

	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 0, b.Len())
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	db, err := OpenBadger(dir)
	require.NoError(t, err)

	s, err := NewBadgerStore(db, "adapter0", 4, 4)
	require.NoError(t, err)
	require.NoError(t, s.Append([]byte("keep")))
	require.NoError(t, db.Close())

	db, err = OpenBadger(dir)
	require.NoError(t, err)
	defer db.Close()

	s, err = NewBadgerStore(db, "adapter0", 4, 4)
	require.NoError(t, err)

	got, err := s.Entries(4)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("keep")}, got)
}

func TestInvalidGeometry(t *testing.T) {
	_, err := NewMemoryStore(0, 4)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = NewBadgerStore(nil, "x", 4, 0)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}
