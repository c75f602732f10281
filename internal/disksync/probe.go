package disksync

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// enqueueProbe hands t to the probe stage. A pending task for the same path
// is replaced; outdated tasks are dropped.
func (d *Driver) enqueueProbe(t blobTask) {
	d.stageMu.Lock()
	defer d.stageMu.Unlock()

	if d.outdated(t.relPath, t.seq) {
		d.drop(t.reqID)
		return
	}
	if old, ok := d.probeQueue.Insert(t.relPath, t); ok && old.reqID != t.reqID {
		d.drop(old.reqID)
	}
	d.setState(t.reqID, PathStateProbing, nil)
	d.probeQueue.Kick()
}

func (d *Driver) handleProbe(ctx context.Context, _ string, t blobTask) {
	if d.outdated(t.relPath, t.seq) {
		d.drop(t.reqID)
		return
	}
	if d.probeBatch.Add(t, 0) {
		d.probe(ctx, d.probeBatch.Take())
	}
}

func (d *Driver) flushProbe(ctx context.Context) {
	if d.probeBatch.Len() > 0 {
		d.probe(ctx, d.probeBatch.Take())
	}
}

// probe asks the remote which of the batch's blob names it lacks. Unknown
// blobs move on to upload, blobs the remote has but not yet indexed are
// retried, the rest are recorded.
func (d *Driver) probe(ctx context.Context, tasks []blobTask) {
	names := mapset.NewThreadUnsafeSet[string]()
	for _, t := range tasks {
		names.Add(t.blobName)
	}

	rctx, cancel := context.WithTimeout(ctx, d.cfg.RPCTimeout)
	resp, err := d.remote.FindMissing(rctx, names.ToSlice())
	cancel()
	if ctx.Err() != nil {
		return
	}
	d.stats.probed.Add(int64(len(tasks)))
	if err != nil {
		d.logger.Warn("probe failed", "blobs", names.Cardinality(), "error", err)
		for _, t := range tasks {
			d.retryProbe(t, err)
		}
		return
	}

	unknown := mapset.NewThreadUnsafeSet(resp.UnknownBlobNames...)
	nonindexed := mapset.NewThreadUnsafeSet(resp.NonindexedBlobNames...)
	for name := range unknown.Iter() {
		// other paths holding a blob the remote lost must re-probe next time
		if n := d.index.ReportMissing(name); n > 0 {
			d.dirty.Add(int64(n))
		}
	}
	d.logger.Debug("probe", "blobs", names.Cardinality(), "unknown", unknown.Cardinality(), "nonindexed", nonindexed.Cardinality())

	for _, t := range tasks {
		switch {
		case unknown.Contains(t.blobName):
			d.enqueueUpload(t)
		case nonindexed.Contains(t.blobName):
			d.retryProbe(t, nil)
		default:
			d.record(t.reqID, t.relPath, t.seq, t.blobName, t.mtime)
		}
	}
}

// retryProbe parks t in the fast or backoff tier depending on how long it
// has been failing.
func (d *Driver) retryProbe(t blobTask, err error) {
	d.park(t, err, d.probeRetry, d.probeBackoff)
}

func (d *Driver) requeueProbe(_ string, t blobTask) {
	d.enqueueProbe(t)
}
