// Package disksync ingests the files of one source folder: each path is
// hashed, probed against the remote and uploaded when the remote lacks it.
package disksync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openmined/blobsync/internal/blobname"
	"github.com/openmined/blobsync/internal/event"
	"github.com/openmined/blobsync/internal/pathindex"
	"github.com/openmined/blobsync/internal/queue"
	"github.com/openmined/blobsync/internal/remote"
	"github.com/openmined/blobsync/internal/utils"
	"github.com/spf13/afero"
)

var (
	ErrMissingDeps = errors.New("disksync: missing dependency")
	ErrStopped     = errors.New("disksync: driver stopped")
)

// Filter is the path acceptance oracle.
type Filter interface {
	PathInfo(relPath string, fileType pathindex.FileType) pathindex.Acceptance
}

// Deps are the collaborators of a Driver. Fs is rooted at the folder root.
// Cache is optional.
type Deps struct {
	Index  *pathindex.Index
	Folder pathindex.FolderID
	Fs     afero.Fs
	Filter Filter
	Remote remote.Client
	Calc   *blobname.Calculator
	Cache  CacheStore
	Logger *slog.Logger
}

// Stats are cumulative counters of one driver.
type Stats struct {
	Ingested      int64
	CacheHits     int64
	SeedHits      int64
	Hashed        int64
	Probed        int64
	Uploaded      int64
	UploadedBytes int64
	Unchanged     int64
	Stale         int64
	Reingested    int64
	Untrackable   int64
	Removed       int64
	InFlight      int
	FastRetry     int
	Backoff       int
	CacheWrites   int64
	StateCounts   map[PathState]int
}

type counters struct {
	ingested      atomic.Int64
	cacheHits     atomic.Int64
	seedHits      atomic.Int64
	hashed        atomic.Int64
	probed        atomic.Int64
	uploaded      atomic.Int64
	uploadedBytes atomic.Int64
	unchanged     atomic.Int64
	stale         atomic.Int64
	reingested    atomic.Int64
	untrackable   atomic.Int64
	removed       atomic.Int64
	cacheWrites   atomic.Int64
}

// Driver runs the calculate → probe → upload pipeline for one folder.
type Driver struct {
	cfg      Config
	index    *pathindex.Index
	folder   pathindex.FolderID
	fs       afero.Fs
	filter   Filter
	remote   remote.Client
	calc     *blobname.Calculator
	cache    CacheStore
	logger   *slog.Logger
	pathBase string // folder root relative to the repo root
	now      func() time.Time

	status    *statusTracker
	quiescent *event.Emitter[Stats]
	stats     counters

	calcQueue    *queue.WorkQueue[string, calcTask]
	probeQueue   *queue.WorkQueue[string, blobTask]
	probeBatch   *queue.Batch[blobTask]
	probeRetry   *queue.RetryQueue[string, blobTask]
	probeBackoff *queue.RetryQueue[string, blobTask]
	uploadQueue  *queue.WorkQueue[string, blobTask]
	uploadBatch  *queue.Batch[uploadItem]
	uploadRetry  *queue.RetryQueue[string, blobTask]
	uploadBack   *queue.RetryQueue[string, blobTask]
	uploadSlots  chan struct{}
	uploads      sync.WaitGroup

	seedMu sync.Mutex
	seeds  map[string]CacheEntry
	dirty  atomic.Int64

	// stageMu serializes queue handoffs so a pending task is only ever
	// replaced by a newer one.
	stageMu   sync.Mutex
	seqMu     sync.Mutex
	latestSeq map[string]uint64

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Driver, error) {
	if deps.Index == nil || deps.Fs == nil || deps.Filter == nil || deps.Remote == nil {
		return nil, ErrMissingDeps
	}
	info, ok := deps.Index.Folder(deps.Folder)
	if !ok {
		return nil, fmt.Errorf("%w: folder %d", pathindex.ErrFolderNotFound, deps.Folder)
	}
	cfg = cfg.withDefaults()
	if deps.Calc == nil {
		deps.Calc = blobname.NewCalculator(cfg.MaxBlobSize)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	pathBase, err := utils.RelPath(info.RepoRoot, info.Root)
	if err != nil {
		return nil, fmt.Errorf("folder root outside repo root: %w", err)
	}

	logger := deps.Logger.With("component", "disksync", "folder", deps.Folder)
	d := &Driver{
		cfg:         cfg,
		index:       deps.Index,
		folder:      deps.Folder,
		fs:          deps.Fs,
		filter:      deps.Filter,
		remote:      deps.Remote,
		calc:        deps.Calc,
		cache:       deps.Cache,
		logger:      logger,
		pathBase:    pathBase,
		now:         time.Now,
		status:      newStatusTracker(),
		quiescent:   event.NewEmitter[Stats](),
		probeBatch:  queue.NewBatch[blobTask](cfg.ProbeBatchSize, 0),
		uploadBatch: queue.NewBatch[uploadItem](cfg.UploadBatchItems, cfg.UploadBatchBytes),
		uploadSlots: make(chan struct{}, cfg.MaxUploadsInFlight),
		seeds:       make(map[string]CacheEntry),
		latestSeq:   make(map[string]uint64),
	}

	// a path finishing inside handleCalculate emits while the queue is still
	// busy, so check again once it is not
	d.calcQueue = queue.NewWorkQueue("calculate", d.handleCalculate,
		queue.WithIdle[string, calcTask](d.notifyQuiescent),
		queue.WithLogger[string, calcTask](logger))
	d.probeQueue = queue.NewWorkQueue("probe", d.handleProbe,
		queue.WithFlush[string, blobTask](d.flushProbe),
		queue.WithLogger[string, blobTask](logger))
	d.uploadQueue = queue.NewWorkQueue("upload", d.handleUpload,
		queue.WithFlush[string, blobTask](d.flushUpload),
		queue.WithLogger[string, blobTask](logger))
	d.probeRetry = queue.NewRetryQueue("probe-retry", cfg.FastRetryPeriod, d.requeueProbe)
	d.probeBackoff = queue.NewRetryQueue("probe-backoff", cfg.BackoffPeriod, d.requeueProbe)
	d.uploadRetry = queue.NewRetryQueue("upload-retry", cfg.FastRetryPeriod, d.requeueUpload)
	d.uploadBack = queue.NewRetryQueue("upload-backoff", cfg.BackoffPeriod, d.requeueUpload)

	return d, nil
}

// Start loads the warm-start cache and launches the pipeline.
func (d *Driver) Start(ctx context.Context) error {
	if d.cache != nil {
		entries, err := d.cache.Load()
		if err != nil {
			d.logger.Warn("cache load failed, starting cold", "error", err)
		}
		d.seedMu.Lock()
		for _, e := range entries {
			d.seeds[e.RelPath] = e
		}
		d.seedMu.Unlock()
		if len(entries) > 0 {
			d.logger.Info("cache loaded", "entries", len(entries))
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.calcQueue.Start(ctx)
	d.probeQueue.Start(ctx)
	d.uploadQueue.Start(ctx)
	d.probeRetry.Start(ctx)
	d.probeBackoff.Start(ctx)
	d.uploadRetry.Start(ctx)
	d.uploadBack.Start(ctx)

	if d.cache != nil {
		d.wg.Add(1)
		go d.persistLoop(ctx)
	}
	return nil
}

// Stop halts the pipeline, waits for in-flight uploads and writes the cache
// if anything changed since the last write.
func (d *Driver) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	d.probeRetry.Stop()
	d.probeBackoff.Stop()
	d.uploadRetry.Stop()
	d.uploadBack.Stop()
	d.calcQueue.Stop()
	d.probeQueue.Stop()
	d.uploadQueue.Stop()
	d.uploads.Wait()
	d.wg.Wait()

	if d.cache != nil {
		if d.dirty.Load() > 0 {
			d.persist()
		}
		if err := d.cache.Close(); err != nil {
			d.logger.Warn("cache close", "error", err)
		}
	}
	d.status.close()
	d.quiescent.Close()
}

// Ingest schedules relPath for (re)calculation. Rapid repeats coalesce.
func (d *Driver) Ingest(relPath string) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	relPath = utils.NormPath(relPath)
	id := d.status.begin(relPath)
	if old, replaced := d.calcQueue.Insert(relPath, calcTask{reqID: id}); replaced {
		d.finish(old.reqID, PathStateUnseen, "superseded")
	}
	d.calcQueue.Kick()
	d.stats.ingested.Add(1)
	return nil
}

// Remove schedules relPath for removal. The calculate stage confirms the
// path is gone before dropping it.
func (d *Driver) Remove(relPath string) error {
	return d.Ingest(relPath)
}

// Scan walks the folder, ingests every accepted file and purges index
// entries for paths that no longer exist. It returns the number of files
// ingested.
func (d *Driver) Scan(ctx context.Context) (int, error) {
	startTS := d.index.CurrentTS(d.folder)
	files, err := d.walk(ctx, ".")
	if err != nil {
		return files, fmt.Errorf("scan: %w", err)
	}

	purged := d.index.Purge(d.folder, startTS)
	if purged > 0 {
		d.dirty.Add(int64(purged))
	}
	d.logger.Info("scan", "files", files, "purged", purged)
	return files, nil
}

// ScanDir ingests the accepted files below relDir. Unlike Scan it never
// purges, so it is safe for a directory that just appeared.
func (d *Driver) ScanDir(ctx context.Context, relDir string) (int, error) {
	relDir = utils.NormPath(relDir)
	files, err := d.walk(ctx, relDir)
	if err != nil {
		return files, fmt.Errorf("scan %s: %w", relDir, err)
	}
	d.logger.Debug("scan dir", "dir", relDir, "files", files)
	return files, nil
}

func (d *Driver) walk(ctx context.Context, root string) (int, error) {
	files := 0
	err := afero.Walk(d.fs, root, func(p string, info fs.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == "." {
			return err
		}
		relPath := filepath.ToSlash(p)
		if err != nil {
			d.logger.Warn("scan", "path", relPath, "error", err)
			return nil
		}

		fileType := fileTypeOf(info)
		acceptance := d.filter.PathInfo(relPath, fileType)
		if _, err := d.index.Insert(d.folder, relPath, fileType, acceptance); err != nil {
			return err
		}
		switch {
		case fileType == pathindex.FileTypeDirectory && !acceptance.Accepted:
			return filepath.SkipDir
		case fileType == pathindex.FileTypeDirectory:
			return nil
		case acceptance.Accepted:
			files++
			return d.Ingest(relPath)
		}
		return nil
	})
	return files, err
}

// Status returns the latest status of relPath.
func (d *Driver) Status(relPath string) (PathStatus, bool) {
	return d.status.status(utils.NormPath(relPath))
}

// SubscribeStatus streams path status changes.
func (d *Driver) SubscribeStatus() <-chan StatusEvent {
	return d.status.Subscribe()
}

func (d *Driver) UnsubscribeStatus(ch <-chan StatusEvent) {
	d.status.Unsubscribe(ch)
}

// InFlight lists outstanding ingestion requests.
func (d *Driver) InFlight() []InFlightItem {
	return d.status.inFlight()
}

// Quiescent reports whether no ingestion work is outstanding outside the
// backoff tier.
func (d *Driver) Quiescent() bool {
	return d.status.quiescent() && d.calcQueue.Idle()
}

// OnQuiescent fires each time the driver becomes quiescent.
func (d *Driver) OnQuiescent() *event.Emitter[Stats] {
	return d.quiescent
}

func (d *Driver) notifyQuiescent() {
	if d.Quiescent() {
		d.quiescent.Emit(d.Stats())
	}
}

// WaitQuiescent blocks until the driver is quiescent or ctx is done.
func (d *Driver) WaitQuiescent(ctx context.Context) error {
	signal := make(chan struct{}, 1)
	unlisten := d.quiescent.Listen(func(Stats) {
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	defer unlisten()

	for !d.Quiescent() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-signal:
		}
	}
	return nil
}

func (d *Driver) Stats() Stats {
	return Stats{
		Ingested:      d.stats.ingested.Load(),
		CacheHits:     d.stats.cacheHits.Load(),
		SeedHits:      d.stats.seedHits.Load(),
		Hashed:        d.stats.hashed.Load(),
		Probed:        d.stats.probed.Load(),
		Uploaded:      d.stats.uploaded.Load(),
		UploadedBytes: d.stats.uploadedBytes.Load(),
		Unchanged:     d.stats.unchanged.Load(),
		Stale:         d.stats.stale.Load(),
		Reingested:    d.stats.reingested.Load(),
		Untrackable:   d.stats.untrackable.Load(),
		Removed:       d.stats.removed.Load(),
		InFlight:      len(d.status.inFlight()),
		FastRetry:     d.probeRetry.Len() + d.uploadRetry.Len(),
		Backoff:       d.probeBackoff.Len() + d.uploadBack.Len(),
		CacheWrites:   d.stats.cacheWrites.Load(),
		StateCounts:   d.status.counts(),
	}
}

// pathName is the name relPath is uploaded under: relative to the repo root.
func (d *Driver) pathName(relPath string) string {
	return path.Join(d.pathBase, relPath)
}

func (d *Driver) setState(id uint64, state PathState, err error) {
	if d.status.set(id, state, err) {
		d.quiescent.Emit(d.Stats())
	}
}

func (d *Driver) finish(id uint64, state PathState, reason string) {
	if d.status.finish(id, state, reason) {
		d.quiescent.Emit(d.Stats())
	}
}

// markUntrackable records a permanent failure for the path.
func (d *Driver) markUntrackable(id uint64, relPath string, seq uint64, reason string) {
	if d.outdated(relPath, seq) || !d.index.MarkUntrackable(d.folder, relPath, seq, reason) {
		d.drop(id)
		return
	}
	d.stats.untrackable.Add(1)
	d.dirty.Add(1)
	d.logger.Debug("sync", "op", "UNTRACKABLE", "path", relPath, "reason", reason)
	d.finish(id, PathStateUntrackable, reason)
}

// record stores a computed blob name for the path as of seq.
func (d *Driver) record(id uint64, relPath string, seq uint64, blobName string, mtime time.Time) bool {
	if d.outdated(relPath, seq) || !d.index.Update(d.folder, relPath, seq, blobName, mtime) {
		d.logger.Debug("sync", "op", "DISCARDED", "reason", "stale sequence", "path", relPath, "seq", seq)
		d.drop(id)
		return false
	}
	d.dirty.Add(1)
	d.finish(id, PathStateTracked, "")
	return true
}

// drop ends a request whose work was superseded by a newer one.
func (d *Driver) drop(id uint64) {
	d.stats.stale.Add(1)
	d.finish(id, PathStateUnseen, "superseded")
}

// claimSeq takes the next sequence number for relPath. Work carrying an
// older sequence for the same path is outdated from then on.
func (d *Driver) claimSeq(relPath string) uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	seq := d.index.NextSeq()
	d.latestSeq[relPath] = seq
	return seq
}

func (d *Driver) forgetSeq(relPath string, seq uint64) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if d.latestSeq[relPath] == seq {
		delete(d.latestSeq, relPath)
	}
}

// outdated reports whether work for seq can be dropped: a newer sequence
// was claimed for the path, or the index already holds a result at least
// as new.
func (d *Driver) outdated(relPath string, seq uint64) bool {
	d.seqMu.Lock()
	latest := d.latestSeq[relPath]
	d.seqMu.Unlock()
	if latest > seq {
		return true
	}
	entry, ok := d.index.GetEntry(d.folder, relPath)
	return !ok || entry.Seq >= seq
}

// retryTier picks the fast tier for young items and the backoff tier for
// items that have been failing longer than BackoffAfter.
func (d *Driver) retryTier(since time.Time) PathState {
	if d.now().Sub(since) < d.cfg.BackoffAfter {
		return PathStateWaiting
	}
	return PathStateBackoff
}

func fileTypeOf(info fs.FileInfo) pathindex.FileType {
	switch {
	case info.Mode().IsRegular():
		return pathindex.FileTypeFile
	case info.IsDir():
		return pathindex.FileTypeDirectory
	}
	return pathindex.FileTypeOther
}
