package disksync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/openmined/blobsync/internal/utils"
)

const cacheVersion = 1

var ErrCacheVersion = errors.New("disksync: unsupported cache version")

// CacheEntry is the persisted (path, mtime, blob name) triple of a trackable
// file.
type CacheEntry struct {
	RelPath  string
	Mtime    time.Time
	BlobName string
}

// CacheStore persists the mtime cache across restarts.
type CacheStore interface {
	Load() ([]CacheEntry, error)
	Save(entries []CacheEntry) error
	Close() error
}

type cacheDocument struct {
	Version int             `json:"version"`
	Entries []cacheDocEntry `json:"entries"`
}

type cacheDocValue struct {
	Mtime int64  `json:"mtime"`
	Name  string `json:"name"`
}

// cacheDocEntry is encoded as a [relPath, {"mtime":ms,"name":blob}] pair.
type cacheDocEntry struct {
	Path  string
	Value cacheDocValue
}

func (e cacheDocEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Path, e.Value})
}

func (e *cacheDocEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("cache entry: want 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Path); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.Value)
}

// JSONCacheStore keeps the cache as one JSON document. Writes go to a temp
// file that is renamed over the document while holding a lock on the
// directory, so concurrent clients never see a torn file.
type JSONCacheStore struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

func NewJSONCacheStore(path string) (*JSONCacheStore, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	return &JSONCacheStore{
		path: path,
		lock: flock.New(filepath.Join(filepath.Dir(path), ".cache.lock")),
	}, nil
}

func (s *JSONCacheStore) Path() string {
	return s.path
}

func (s *JSONCacheStore) Load() ([]CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock cache: %w", err)
	}
	defer s.lock.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}

	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode cache: %w", err)
	}
	if doc.Version != cacheVersion {
		return nil, fmt.Errorf("%w: %d", ErrCacheVersion, doc.Version)
	}

	entries := make([]CacheEntry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		entries = append(entries, CacheEntry{
			RelPath:  e.Path,
			Mtime:    time.UnixMilli(e.Value.Mtime),
			BlobName: e.Value.Name,
		})
	}
	return entries, nil
}

func (s *JSONCacheStore) Save(entries []CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := cacheDocument{Version: cacheVersion, Entries: make([]cacheDocEntry, 0, len(entries))}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, cacheDocEntry{
			Path:  e.RelPath,
			Value: cacheDocValue{Mtime: e.Mtime.UnixMilli(), Name: e.BlobName},
		})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	defer s.lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

func (s *JSONCacheStore) Close() error {
	return nil
}
