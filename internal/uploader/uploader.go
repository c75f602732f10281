// Package uploader uploads arbitrary (path, content) pairs to the remote blob
// index, probing first so content the remote already holds is never sent
// twice.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/blobsync/internal/blobname"
	"github.com/openmined/blobsync/internal/event"
	"github.com/openmined/blobsync/internal/queue"
	"github.com/openmined/blobsync/internal/remote"
)

var ErrStopped = errors.New("uploader: stopped")

// Item is content to upload under a caller-chosen path label. BlobName is
// computed when empty.
type Item struct {
	Path     string
	Content  []byte
	BlobName string
	Metadata map[string]string
}

func (i Item) Size() int64 {
	return int64(len(i.Content))
}

// Uploaded is emitted when the remote accepted an item. Canonical is the name
// the remote stored it under, usually equal to BlobName.
type Uploaded struct {
	Path      string
	BlobName  string
	Canonical string
}

// Failure is emitted when the remote rejects an item for good. Transient
// errors are retried indefinitely and never produce a Failure.
type Failure struct {
	Path     string
	BlobName string
	Err      error
}

type Stats struct {
	Pending       int
	ProbeRetry    int
	ProbeBackoff  int
	UploadRetry   int
	UploadBackoff int
}

type handledItem struct {
	item     Item
	since    time.Time
	attempts int
}

type probeTask struct{}

type uploadTask struct{}

// Uploader keeps an item in its handled set from EnqueueUpload until the
// remote confirms the blob is indexed or rejects it permanently.
type Uploader struct {
	cfg    Config
	client remote.Client
	calc   *blobname.Calculator
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	handled map[string]*handledItem
	known   *lru.Cache[string, struct{}]
	stopped bool

	probeQueue    *queue.WorkQueue[string, probeTask]
	probeBatch    *queue.Batch[string]
	probeRetry    *queue.RetryQueue[string, probeTask]
	probeBackoff  *queue.RetryQueue[string, probeTask]
	uploadQueue   *queue.WorkQueue[string, uploadTask]
	uploadBatch   *queue.Batch[string]
	uploadRetry   *queue.RetryQueue[string, uploadTask]
	uploadBackoff *queue.RetryQueue[string, uploadTask]

	didUpload    *event.Emitter[Uploaded]
	failed       *event.Emitter[Failure]
	foundIndexed *event.Emitter[[]string]
	foundUnknown *event.Emitter[[]string]
}

func New(cfg Config, client remote.Client, calc *blobname.Calculator, logger *slog.Logger) *Uploader {
	cfg = cfg.withDefaults()
	if calc == nil {
		calc = blobname.NewCalculator(cfg.MaxBlobSize)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "uploader")

	known, _ := lru.New[string, struct{}](cfg.KnownCacheSize)

	u := &Uploader{
		cfg:          cfg,
		client:       client,
		calc:         calc,
		logger:       logger,
		now:          time.Now,
		handled:      make(map[string]*handledItem),
		known:        known,
		probeBatch:   queue.NewBatch[string](cfg.ProbeBatchSize, 0),
		uploadBatch:  queue.NewBatch[string](cfg.UploadBatchItems, cfg.UploadBatchBytes),
		didUpload:    event.NewEmitter[Uploaded](),
		failed:       event.NewEmitter[Failure](),
		foundIndexed: event.NewEmitter[[]string](),
		foundUnknown: event.NewEmitter[[]string](),
	}

	u.probeQueue = queue.NewWorkQueue("uploader-probe", u.handleProbe,
		queue.WithFlush[string, probeTask](u.flushProbe),
		queue.WithLogger[string, probeTask](logger))
	u.uploadQueue = queue.NewWorkQueue("uploader-upload", u.handleUpload,
		queue.WithFlush[string, uploadTask](u.flushUpload),
		queue.WithLogger[string, uploadTask](logger))
	u.probeRetry = queue.NewRetryQueue("uploader-probe-retry", cfg.ProbeRetryPeriod, u.requeueProbe)
	u.probeBackoff = queue.NewRetryQueue("uploader-probe-backoff", cfg.ProbeBackoffPeriod, u.requeueProbe)
	u.uploadRetry = queue.NewRetryQueue("uploader-upload-retry", cfg.UploadRetryPeriod, u.requeueUpload)
	u.uploadBackoff = queue.NewRetryQueue("uploader-upload-backoff", cfg.UploadBackoffPeriod, u.requeueUpload)

	return u
}

func (u *Uploader) OnDidUpload() *event.Emitter[Uploaded] { return u.didUpload }
func (u *Uploader) OnFailed() *event.Emitter[Failure] { return u.failed }
func (u *Uploader) OnFoundIndexedBlobNames() *event.Emitter[[]string] { return u.foundIndexed }
func (u *Uploader) OnFoundUnknownBlobNames() *event.Emitter[[]string] { return u.foundUnknown }

// Start launches the executors. Items enqueued before Start wait for it.
func (u *Uploader) Start(ctx context.Context) {
	u.probeQueue.Start(ctx)
	u.uploadQueue.Start(ctx)
	u.probeRetry.Start(ctx)
	u.probeBackoff.Start(ctx)
	u.uploadRetry.Start(ctx)
	u.uploadBackoff.Start(ctx)
}

func (u *Uploader) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()

	u.probeRetry.Stop()
	u.probeBackoff.Stop()
	u.uploadRetry.Stop()
	u.uploadBackoff.Stop()
	u.probeQueue.Stop()
	u.uploadQueue.Stop()

	u.didUpload.Close()
	u.failed.Close()
	u.foundIndexed.Close()
	u.foundUnknown.Close()
}

// EnqueueUpload schedules item and returns its blob name. It returns at once
// if the blob is already in flight or known to be indexed.
func (u *Uploader) EnqueueUpload(item Item) (string, error) {
	if item.BlobName == "" {
		name, err := u.calc.Calculate(item.Path, item.Content)
		if err != nil {
			return "", fmt.Errorf("blob name %s: %w", item.Path, err)
		}
		item.BlobName = name
	} else if err := u.calc.Validate(item.Content); err != nil {
		return "", fmt.Errorf("validate %s: %w", item.Path, err)
	}
	name := item.BlobName

	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return "", ErrStopped
	}
	if u.known.Contains(name) {
		u.mu.Unlock()
		u.logger.Debug("upload", "op", "SKIPPED", "reason", "known indexed", "path", item.Path, "blob", name)
		u.foundIndexed.Emit([]string{name})
		return name, nil
	}
	if _, ok := u.handled[name]; ok {
		u.mu.Unlock()
		u.logger.Debug("upload", "op", "SKIPPED", "reason", "in flight", "path", item.Path, "blob", name)
		return name, nil
	}
	u.handled[name] = &handledItem{item: item, since: u.now()}
	u.mu.Unlock()

	u.probeQueue.Insert(name, probeTask{})
	u.probeQueue.Kick()
	return name, nil
}

// IsHandled reports whether blobName is in flight.
func (u *Uploader) IsHandled(blobName string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.handled[blobName]
	return ok
}

func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.handled)
}

func (u *Uploader) Stats() Stats {
	return Stats{
		Pending:       u.Pending(),
		ProbeRetry:    u.probeRetry.Len(),
		ProbeBackoff:  u.probeBackoff.Len(),
		UploadRetry:   u.uploadRetry.Len(),
		UploadBackoff: u.uploadBackoff.Len(),
	}
}

func (u *Uploader) handleProbe(ctx context.Context, name string, _ probeTask) {
	if u.probeBatch.Add(name, 0) {
		u.probe(ctx, u.probeBatch.Take())
	}
}

func (u *Uploader) flushProbe(ctx context.Context) {
	if u.probeBatch.Len() > 0 {
		u.probe(ctx, u.probeBatch.Take())
	}
}

func (u *Uploader) probe(ctx context.Context, names []string) {
	rctx, cancel := context.WithTimeout(ctx, u.cfg.RPCTimeout)
	resp, err := u.client.FindMissing(rctx, names)
	cancel()
	if err != nil {
		u.logger.Warn("probe failed", "blobs", len(names), "error", err)
		for _, name := range names {
			u.retryProbe(name)
		}
		return
	}

	unknown := mapset.NewThreadUnsafeSet(resp.UnknownBlobNames...)
	nonindexed := mapset.NewThreadUnsafeSet(resp.NonindexedBlobNames...)

	var foundUnknown, foundIndexed []string
	for _, name := range names {
		switch {
		case unknown.Contains(name):
			foundUnknown = append(foundUnknown, name)
			u.uploadQueue.Insert(name, uploadTask{})
		case nonindexed.Contains(name):
			u.retryProbe(name)
		default:
			u.mu.Lock()
			delete(u.handled, name)
			u.known.Add(name, struct{}{})
			u.mu.Unlock()
			foundIndexed = append(foundIndexed, name)
		}
	}

	if len(foundUnknown) > 0 {
		u.uploadQueue.Kick()
		u.foundUnknown.Emit(foundUnknown)
	}
	if len(foundIndexed) > 0 {
		u.foundIndexed.Emit(foundIndexed)
	}
}

// retryProbe sends name to the fast tier while it is young and to the
// backoff tier once it has been retried for longer than BackoffAfter.
func (u *Uploader) retryProbe(name string) {
	u.mu.Lock()
	h, ok := u.handled[name]
	var age time.Duration
	if ok {
		age = u.now().Sub(h.since)
	}
	u.mu.Unlock()
	if !ok {
		return
	}

	if age < u.cfg.BackoffAfter {
		u.probeRetry.Add(name, probeTask{})
	} else {
		u.probeBackoff.Add(name, probeTask{})
	}
}

func (u *Uploader) requeueProbe(name string, task probeTask) {
	u.probeQueue.Insert(name, task)
	u.probeQueue.Kick()
}

func (u *Uploader) requeueUpload(name string, task uploadTask) {
	u.uploadQueue.Insert(name, task)
	u.uploadQueue.Kick()
}

func (u *Uploader) handleUpload(ctx context.Context, name string, _ uploadTask) {
	u.mu.Lock()
	h, ok := u.handled[name]
	var size int64
	if ok {
		size = h.item.Size()
	}
	u.mu.Unlock()
	if !ok {
		return
	}

	if !u.uploadBatch.Fits(size) {
		u.upload(ctx, u.uploadBatch.Take())
	}
	if u.uploadBatch.Add(name, size) {
		u.upload(ctx, u.uploadBatch.Take())
	}
}

func (u *Uploader) flushUpload(ctx context.Context) {
	if u.uploadBatch.Len() > 0 {
		u.upload(ctx, u.uploadBatch.Take())
	}
}

func (u *Uploader) upload(ctx context.Context, names []string) {
	items := make([]remote.BlobItem, 0, len(names))
	var size int64

	u.mu.Lock()
	for _, name := range names {
		h, ok := u.handled[name]
		if !ok {
			continue
		}
		items = append(items, toBlobItem(h.item))
		size += h.item.Size()
	}
	u.mu.Unlock()
	if len(items) == 0 {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, u.cfg.RPCTimeout)
	resp, err := u.client.BatchUpload(rctx, items)
	cancel()

	done := 0
	if err != nil {
		u.logger.Warn("batch upload failed", "items", len(items), "size", humanize.Bytes(uint64(size)), "error", err)
	} else {
		done = min(len(resp.BlobNames), len(items))
		u.logger.Debug("batch upload", "items", len(items), "accepted", done, "size", humanize.Bytes(uint64(size)))
	}

	for i := 0; i < done; i++ {
		u.uploaded(items[i].BlobName, resp.BlobNames[i])
	}
	for _, item := range items[done:] {
		u.memorize(ctx, item)
	}
}

func (u *Uploader) memorize(ctx context.Context, item remote.BlobItem) {
	rctx, cancel := context.WithTimeout(ctx, u.cfg.RPCTimeout)
	canonical, err := u.client.Memorize(rctx, item)
	cancel()
	if err == nil {
		u.uploaded(item.BlobName, canonical)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if remote.IsPermanent(err) {
		u.fail(item.BlobName, fmt.Errorf("upload %s: %w", item.PathName, err))
		return
	}

	u.mu.Lock()
	h, ok := u.handled[item.BlobName]
	var (
		attempts int
		age      time.Duration
	)
	if ok {
		h.attempts++
		attempts = h.attempts
		age = u.now().Sub(h.since)
	}
	u.mu.Unlock()
	if !ok {
		return
	}

	if attempts < u.cfg.FastUploadAttempts && age < u.cfg.BackoffAfter {
		u.logger.Debug("upload retry", "path", item.PathName, "blob", item.BlobName, "attempt", attempts, "error", err)
		u.uploadRetry.Add(item.BlobName, uploadTask{})
		return
	}
	u.logger.Warn("upload backoff", "path", item.PathName, "blob", item.BlobName, "attempt", attempts, "error", err)
	u.uploadBackoff.Add(item.BlobName, uploadTask{})
}

// uploaded records a successful upload and re-probes the blob to confirm the
// remote indexed it.
func (u *Uploader) uploaded(name, canonical string) {
	if canonical == "" {
		canonical = name
	}

	u.mu.Lock()
	h, ok := u.handled[name]
	if !ok {
		u.mu.Unlock()
		return
	}
	h.since = u.now()
	h.attempts = 0
	if canonical != name {
		delete(u.handled, name)
		if _, exists := u.handled[canonical]; exists {
			ok = false
		} else {
			h.item.BlobName = canonical
			u.handled[canonical] = h
		}
	}
	path := h.item.Path
	u.mu.Unlock()

	if canonical != name {
		u.logger.Warn("blob name mismatch", "path", path, "expected", name, "canonical", canonical)
	}
	u.logger.Info("upload", "op", "UPLOADED", "path", path, "blob", canonical)
	u.didUpload.Emit(Uploaded{Path: path, BlobName: name, Canonical: canonical})

	if ok {
		u.probeQueue.Insert(canonical, probeTask{})
		u.probeQueue.Kick()
	}
}

func (u *Uploader) fail(name string, err error) {
	u.mu.Lock()
	h, ok := u.handled[name]
	delete(u.handled, name)
	u.mu.Unlock()
	if !ok {
		return
	}

	u.logger.Error("upload failed", "path", h.item.Path, "blob", name, "error", err)
	u.failed.Emit(Failure{Path: h.item.Path, BlobName: name, Err: err})
}

func toBlobItem(item Item) remote.BlobItem {
	return remote.BlobItem{
		PathName: item.Path,
		Text:     string(item.Content),
		BlobName: item.BlobName,
		Metadata: item.Metadata,
	}
}
