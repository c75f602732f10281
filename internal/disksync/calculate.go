package disksync

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/openmined/blobsync/internal/blobname"
	"github.com/openmined/blobsync/internal/pathindex"
	"github.com/spf13/afero"
)

type calcTask struct {
	reqID uint64
}

// blobTask carries one path through the probe and upload stages.
type blobTask struct {
	reqID    uint64
	relPath  string
	seq      uint64
	blobName string
	mtime    time.Time
	size     int64
	since    time.Time // first attempt, drives the retry tier
}

func (d *Driver) handleCalculate(ctx context.Context, relPath string, task calcTask) {
	if ctx.Err() != nil {
		return
	}
	id := task.reqID
	d.setState(id, PathStateCalculating, nil)

	info, err := d.lstat(relPath)
	if errors.Is(err, fs.ErrNotExist) {
		d.removePath(id, relPath)
		return
	}
	if err != nil {
		acceptance := d.filter.PathInfo(relPath, pathindex.FileTypeFile)
		if _, insertErr := d.index.Insert(d.folder, relPath, pathindex.FileTypeFile, acceptance); insertErr != nil {
			d.finish(id, PathStateUnseen, insertErr.Error())
			return
		}
		seq := d.claimSeq(relPath)
		if !acceptance.Accepted {
			d.finish(id, PathStateIgnored, acceptance.Reason)
			return
		}
		d.logger.Warn("stat failed", "path", relPath, "error", err)
		d.markUntrackable(id, relPath, seq, "inaccessible")
		return
	}

	fileType := fileTypeOf(info)
	acceptance := d.filter.PathInfo(relPath, fileType)
	if _, err := d.index.Insert(d.folder, relPath, fileType, acceptance); err != nil {
		d.finish(id, PathStateUnseen, err.Error())
		return
	}
	seq := d.claimSeq(relPath)

	switch {
	case !acceptance.Accepted:
		d.dirty.Add(1)
		d.finish(id, PathStateIgnored, acceptance.Reason)
		return
	case fileType == pathindex.FileTypeDirectory:
		d.finish(id, PathStateUnseen, "directory")
		return
	case fileType != pathindex.FileTypeFile:
		d.markUntrackable(id, relPath, seq, "not a file")
		return
	case info.Size() > d.calc.MaxBlobSize:
		d.markUntrackable(id, relPath, seq, "too large")
		return
	}

	mtime := info.ModTime()
	if name, ok := d.index.GetBlobInfo(d.folder, relPath, mtime); ok {
		d.stats.cacheHits.Add(1)
		d.record(id, relPath, seq, name, mtime)
		return
	}

	next := blobTask{
		reqID:   id,
		relPath: relPath,
		seq:     seq,
		mtime:   mtime,
		size:    info.Size(),
		since:   d.now(),
	}
	if seed, ok := d.takeSeed(relPath, mtime); ok {
		d.stats.seedHits.Add(1)
		next.blobName = seed.BlobName
		d.enqueueProbe(next)
		return
	}

	content, err := afero.ReadFile(d.fs, relPath)
	if errors.Is(err, fs.ErrNotExist) {
		d.removePath(id, relPath)
		return
	}
	if err != nil {
		d.logger.Warn("read failed", "path", relPath, "error", err)
		d.markUntrackable(id, relPath, seq, "inaccessible")
		return
	}

	d.stats.hashed.Add(1)
	name, err := d.calc.Calculate(d.pathName(relPath), content)
	switch {
	case errors.Is(err, blobname.ErrTooLarge):
		d.markUntrackable(id, relPath, seq, "too large")
		return
	case errors.Is(err, blobname.ErrBinary):
		d.markUntrackable(id, relPath, seq, "binary content")
		return
	case err != nil:
		d.logger.Warn("blob name", "path", relPath, "error", err)
		d.markUntrackable(id, relPath, seq, "blob name calculation failed")
		return
	}

	// Same content as the last confirmed upload: only the mtime moved.
	if entry, ok := d.index.GetEntry(d.folder, relPath); ok && entry.Info.Trackable() &&
		entry.Info.ContentSeq > 0 && entry.Info.BlobName == name {
		d.stats.unchanged.Add(1)
		d.record(id, relPath, seq, name, mtime)
		return
	}

	next.blobName = name
	next.size = int64(len(content))
	d.enqueueProbe(next)
}

// removePath drops relPath, and everything below it when it was a
// directory, from the index.
func (d *Driver) removePath(id uint64, relPath string) {
	paths := append(d.index.Descendants(d.folder, relPath), relPath)
	removed := 0
	for _, p := range paths {
		seq := d.claimSeq(p)
		if d.index.Remove(d.folder, p, seq) {
			removed++
		}
		d.forgetSeq(p, seq)
		d.dropSeed(p)
	}
	if removed > 0 {
		d.stats.removed.Add(int64(removed))
		d.dirty.Add(int64(removed))
		d.logger.Debug("sync", "op", "REMOVED", "path", relPath, "entries", removed)
	}
	d.finish(id, PathStateUnseen, "removed")
}

func (d *Driver) lstat(relPath string) (fs.FileInfo, error) {
	if lst, ok := d.fs.(afero.Lstater); ok {
		info, _, err := lst.LstatIfPossible(relPath)
		return info, err
	}
	return d.fs.Stat(relPath)
}

// takeSeed consumes the warm-start entry for relPath if it was recorded for
// the same mtime.
func (d *Driver) takeSeed(relPath string, mtime time.Time) (CacheEntry, bool) {
	d.seedMu.Lock()
	defer d.seedMu.Unlock()
	seed, ok := d.seeds[relPath]
	if !ok {
		return CacheEntry{}, false
	}
	delete(d.seeds, relPath)
	if seed.Mtime.UnixMilli() != mtime.UnixMilli() || seed.BlobName == "" {
		return CacheEntry{}, false
	}
	return seed, true
}

func (d *Driver) dropSeed(relPath string) {
	d.seedMu.Lock()
	delete(d.seeds, relPath)
	d.seedMu.Unlock()
}
