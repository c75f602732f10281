package disksync

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/openmined/blobsync/internal/queue"
	"github.com/openmined/blobsync/internal/remote"
	"github.com/spf13/afero"
)

// uploadItem is a blobTask with the content re-read at upload time.
type uploadItem struct {
	blobTask
	content []byte
}

func (d *Driver) enqueueUpload(t blobTask) {
	d.stageMu.Lock()
	defer d.stageMu.Unlock()

	if d.outdated(t.relPath, t.seq) {
		d.drop(t.reqID)
		return
	}
	if old, ok := d.uploadQueue.Insert(t.relPath, t); ok && old.reqID != t.reqID {
		d.drop(old.reqID)
	}
	d.setState(t.reqID, PathStateUploading, nil)
	d.uploadQueue.Kick()
}

func (d *Driver) handleUpload(ctx context.Context, relPath string, t blobTask) {
	if d.outdated(relPath, t.seq) {
		d.drop(t.reqID)
		return
	}

	// The file may have changed since it was hashed. Upload exactly what was
	// probed or start over.
	content, err := afero.ReadFile(d.fs, relPath)
	if err != nil {
		d.reingest(t, "unreadable at upload")
		return
	}
	if d.calc.Name(d.pathName(relPath), content) != t.blobName {
		d.reingest(t, "changed during upload")
		return
	}

	item := uploadItem{blobTask: t, content: content}
	size := int64(len(content))
	if !d.uploadBatch.Fits(size) {
		d.dispatch(ctx, d.uploadBatch.Take())
	}
	if d.uploadBatch.Add(item, size) {
		d.dispatch(ctx, d.uploadBatch.Take())
	}
}

func (d *Driver) flushUpload(ctx context.Context) {
	if d.uploadBatch.Len() > 0 {
		d.dispatch(ctx, d.uploadBatch.Take())
	}
}

// dispatch sends a batch on its own goroutine once an upload slot frees up,
// so a slow batch does not hold back the next one.
func (d *Driver) dispatch(ctx context.Context, items []uploadItem) {
	if len(items) == 0 {
		return
	}
	select {
	case d.uploadSlots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	d.uploads.Add(1)
	go func() {
		defer d.uploads.Done()
		defer func() { <-d.uploadSlots }()
		d.upload(ctx, items)
	}()
}

func (d *Driver) upload(ctx context.Context, items []uploadItem) {
	blobs := make([]remote.BlobItem, len(items))
	var bytes int64
	for i, it := range items {
		blobs[i] = d.blobItem(it)
		bytes += int64(len(it.content))
	}

	rctx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout)
	resp, err := d.remote.BatchUpload(rctx, blobs)
	cancel()
	if ctx.Err() != nil {
		return
	}

	// Results are positional; whatever the batch did not cover is sent
	// one by one.
	done := 0
	if err != nil {
		d.logger.Warn("batch upload failed", "blobs", len(items), "size", humanize.Bytes(uint64(bytes)), "error", err)
	} else {
		done = min(len(resp.BlobNames), len(items))
		d.logger.Debug("batch upload", "blobs", len(items), "uploaded", done, "size", humanize.Bytes(uint64(bytes)))
	}
	for i := range done {
		d.uploaded(items[i].blobTask, resp.BlobNames[i])
	}
	for _, it := range items[done:] {
		if ctx.Err() != nil {
			return
		}
		d.memorize(ctx, it)
	}
}

func (d *Driver) memorize(ctx context.Context, it uploadItem) {
	rctx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout)
	name, err := d.remote.Memorize(rctx, d.blobItem(it))
	cancel()
	switch {
	case ctx.Err() != nil:
		return
	case err == nil:
		d.uploaded(it.blobTask, name)
	case remote.IsPermanent(err):
		d.logger.Warn("upload rejected", "path", it.relPath, "error", err)
		d.markUntrackable(it.reqID, it.relPath, it.seq, "rejected by server")
	default:
		d.retryUpload(it.blobTask, err)
	}
}

// uploaded records a successful upload. A remote that names the blob
// differently wins; the mismatch is logged.
func (d *Driver) uploaded(t blobTask, canonical string) {
	if canonical == "" {
		canonical = t.blobName
	}
	if canonical != t.blobName {
		d.logger.Warn("blob name mismatch", "path", t.relPath, "local", t.blobName, "remote", canonical)
	}
	d.stats.uploaded.Add(1)
	d.stats.uploadedBytes.Add(t.size)
	d.record(t.reqID, t.relPath, t.seq, canonical, t.mtime)
}

// reingest restarts a path whose content no longer matches its task.
func (d *Driver) reingest(t blobTask, reason string) {
	d.stats.reingested.Add(1)
	d.logger.Debug("sync", "op", "REINGEST", "path", t.relPath, "reason", reason)
	if err := d.Ingest(t.relPath); err != nil {
		d.logger.Debug("reingest", "path", t.relPath, "error", err)
	}
	d.finish(t.reqID, PathStateUnseen, reason)
}

func (d *Driver) retryUpload(t blobTask, err error) {
	d.park(t, err, d.uploadRetry, d.uploadBack)
}

func (d *Driver) requeueUpload(_ string, t blobTask) {
	d.enqueueUpload(t)
}

func (d *Driver) blobItem(it uploadItem) remote.BlobItem {
	return remote.BlobItem{
		PathName: d.pathName(it.relPath),
		Text:     string(it.content),
		BlobName: it.blobName,
	}
}

// park schedules t on the tier matching its age. The other tier's entry
// for the path, if any, is replaced.
func (d *Driver) park(t blobTask, err error, fast, backoff *queue.RetryQueue[string, blobTask]) {
	d.stageMu.Lock()
	defer d.stageMu.Unlock()

	if d.outdated(t.relPath, t.seq) {
		d.drop(t.reqID)
		return
	}
	tier := d.retryTier(t.since)
	into, other := fast, backoff
	if tier == PathStateBackoff {
		into, other = backoff, fast
	}
	if old, ok := other.Remove(t.relPath); ok && old.reqID != t.reqID {
		d.drop(old.reqID)
	}
	if old, ok := into.Add(t.relPath, t); ok && old.reqID != t.reqID {
		d.drop(old.reqID)
	}
	d.setState(t.reqID, tier, err)
	d.logger.Debug("sync", "op", "RETRY", "path", t.relPath, "tier", tier, "error", err)
}
