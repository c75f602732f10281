package disksync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []CacheEntry {
	return []CacheEntry{
		{RelPath: "a.ts", Mtime: time.UnixMilli(1_700_000_000_123), BlobName: "b1"},
		{RelPath: "src/b.ts", Mtime: time.UnixMilli(1_700_000_000_456), BlobName: "b2"},
	}
}

func assertEntries(t *testing.T, want, got []CacheEntry) {
	t.Helper()
	require.Len(t, got, len(want))
	byPath := make(map[string]CacheEntry, len(got))
	for _, e := range got {
		byPath[e.RelPath] = e
	}
	for _, w := range want {
		g, ok := byPath[w.RelPath]
		require.True(t, ok, w.RelPath)
		assert.Equal(t, w.BlobName, g.BlobName)
		assert.Equal(t, w.Mtime.UnixMilli(), g.Mtime.UnixMilli())
	}
}

func TestJSONCacheStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "mtime.json")
	store, err := NewJSONCacheStore(path)
	require.NoError(t, err)

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, store.Save(sampleEntries()))
	entries, err = store.Load()
	require.NoError(t, err)
	assertEntries(t, sampleEntries(), entries)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version":1`)
	assert.Contains(t, string(data), `["a.ts",{"mtime":1700000000123,"name":"b1"}]`)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestJSONCacheStore_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mtime.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":2,"entries":[]}`), 0o644))
	store, err := NewJSONCacheStore(path)
	require.NoError(t, err)

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrCacheVersion)
}

func TestJSONCacheStore_RejectsMalformedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mtime.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"entries":[["a.ts"]]}`), 0o644))
	store, err := NewJSONCacheStore(path)
	require.NoError(t, err)

	_, err = store.Load()
	assert.Error(t, err)
}

func TestSQLiteCacheStore_RoundTrip(t *testing.T) {
	store, err := NewSQLiteCacheStore(filepath.Join(t.TempDir(), "cache.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(sampleEntries()))
	entries, err := store.Load()
	require.NoError(t, err)
	assertEntries(t, sampleEntries(), entries)

	// a save replaces everything
	require.NoError(t, store.Save(sampleEntries()[:1]))
	entries, err = store.Load()
	require.NoError(t, err)
	assertEntries(t, sampleEntries()[:1], entries)
}
