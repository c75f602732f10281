package disksync

import (
	"context"
	"time"
)

func (d *Driver) persistLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CacheFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.dirty.Load() >= int64(d.cfg.CacheDirtyThreshold) {
				d.persist()
			}
		}
	}
}

// persist writes a snapshot of the folder's trackable files. On failure the
// dirty count is restored so the next tick tries again.
func (d *Driver) persist() {
	n := d.dirty.Swap(0)
	files := d.index.Snapshot(d.folder)
	entries := make([]CacheEntry, len(files))
	for i, f := range files {
		entries[i] = CacheEntry{RelPath: f.RelPath, Mtime: f.Mtime, BlobName: f.BlobName}
	}

	start := time.Now()
	if err := d.cache.Save(entries); err != nil {
		d.dirty.Add(n)
		d.logger.Warn("cache save failed", "error", err)
		return
	}
	d.stats.cacheWrites.Add(1)
	d.logger.Debug("cache saved", "entries", len(entries), "changes", n, "took", time.Since(start))
}
