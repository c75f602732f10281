package disksync

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/blobsync/internal/db"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS mtime_cache (
	path      TEXT PRIMARY KEY,
	mtime_ms  INTEGER NOT NULL,
	blob_name TEXT NOT NULL
);
`

type cacheRow struct {
	Path     string `db:"path"`
	MtimeMs  int64  `db:"mtime_ms"`
	BlobName string `db:"blob_name"`
}

// SQLiteCacheStore keeps the cache in a sqlite table. Each Save replaces
// the table contents in one transaction.
type SQLiteCacheStore struct {
	db *sqlx.DB
}

// NewSQLiteCacheStore opens (or creates) the cache database at path.
// Use ":memory:" for a throwaway store.
func NewSQLiteCacheStore(path string, logger *slog.Logger) (*SQLiteCacheStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.NewSqliteDB(db.WithPath(path), db.WithMaxOpenConns(1), db.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, cacheSchema); err != nil {
		conn.Close()
		return nil, err
	}
	return &SQLiteCacheStore{db: conn}, nil
}

func (s *SQLiteCacheStore) Load() ([]CacheEntry, error) {
	var rows []cacheRow
	if err := s.db.Select(&rows, `SELECT path, mtime_ms, blob_name FROM mtime_cache`); err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	entries := make([]CacheEntry, len(rows))
	for i, r := range rows {
		entries[i] = CacheEntry{RelPath: r.Path, Mtime: time.UnixMilli(r.MtimeMs), BlobName: r.BlobName}
	}
	return entries, nil
}

func (s *SQLiteCacheStore) Save(entries []CacheEntry) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM mtime_cache`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	const insert = `INSERT INTO mtime_cache (path, mtime_ms, blob_name) VALUES (:path, :mtime_ms, :blob_name)`
	for _, e := range entries {
		row := cacheRow{Path: e.RelPath, MtimeMs: e.Mtime.UnixMilli(), BlobName: e.BlobName}
		if _, err := tx.NamedExec(insert, row); err != nil {
			return fmt.Errorf("save %s: %w", e.RelPath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteCacheStore) Close() error {
	return s.db.Close()
}
