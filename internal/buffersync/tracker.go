package buffersync

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/openmined/blobsync/internal/blobname"
	"github.com/openmined/blobsync/internal/event"
	"github.com/openmined/blobsync/internal/pathindex"
	"github.com/openmined/blobsync/internal/uploader"
	"github.com/openmined/blobsync/internal/utils"
)

var (
	ErrUnknownDocument = errors.New("buffersync: document not open")
	ErrStaleVersion    = errors.New("buffersync: version not newer than applied")
	ErrOutsideFolders  = errors.New("buffersync: document outside source folders")
)

type Config struct {
	// ChunkSize is the size in bytes of the regions changes are counted in.
	ChunkSize int
	// ChunkThreshold is the number of changed chunks that triggers an upload.
	ChunkThreshold int
	// CancelFraction: an in-flight upload is abandoned once the chunks
	// changed after its snapshot exceed this fraction of the chunks it
	// covers.
	CancelFraction float64
	MaxBlobSize    int64
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:      1024,
		ChunkThreshold: 2,
		CancelFraction: 0.5,
		MaxBlobSize:    blobname.DefaultMaxBlobSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = d.ChunkThreshold
	}
	if c.CancelFraction <= 0 {
		c.CancelFraction = d.CancelFraction
	}
	if c.MaxBlobSize <= 0 {
		c.MaxBlobSize = d.MaxBlobSize
	}
	return c
}

// Uploader is the content-addressed upload engine the tracker feeds.
type Uploader interface {
	EnqueueUpload(item uploader.Item) (string, error)
	OnDidUpload() *event.Emitter[uploader.Uploaded]
	OnFailed() *event.Emitter[uploader.Failure]
	OnFoundIndexedBlobNames() *event.Emitter[[]string]
}

// PathResolver maps absolute paths to the source folder holding them.
type PathResolver interface {
	Resolve(absPath string) (pathindex.FolderID, string, bool)
	Folder(id pathindex.FolderID) (pathindex.FolderInfo, bool)
}

// DocumentID is the absolute path of an open document.
type DocumentID string

type DocumentStatus struct {
	PathName      string
	AppliedSeq    int64
	UploadedSeq   int64
	BlobName      string
	Uploading     bool
	PendingChunks int
	Untrackable   string
	LastError     error
}

// Synced is emitted when a document snapshot is confirmed by the remote.
type Synced struct {
	Doc      DocumentID
	Seq      int64
	BlobName string
}

type Stats struct {
	Open      int
	Uploading int
	Uploads   int64
	Cancelled int64
	Stale     int64
	Failed    int64
}

type inflight struct {
	key      uint64
	seq      int64
	blobName string
	chunks   int
	// changes included in the snapshot, kept in current coordinates so they
	// can be restored if the upload is abandoned
	covered *ChangeTracker
}

type document struct {
	id           DocumentID
	pathName     string
	text         string
	appliedSeq   int64
	uploadedSeq  int64
	uploadedBlob string
	pending      *ChangeTracker
	upload       *inflight
	flush        bool
	untrackable  string
	lastErr      error
}

type waiter struct {
	doc DocumentID
	key uint64
}

type job struct {
	doc  DocumentID
	key  uint64
	item uploader.Item
}

// Tracker follows open documents and uploads snapshots of them.
type Tracker struct {
	cfg      Config
	up       Uploader
	resolver PathResolver
	calc     *blobname.Calculator
	logger   *slog.Logger
	synced   *event.Emitter[Synced]

	mu      sync.Mutex
	docs    map[DocumentID]*document
	waiting map[string][]waiter
	nextKey uint64
	stats   Stats

	unlisten []func()
}

func NewTracker(cfg Config, up Uploader, resolver PathResolver, logger *slog.Logger) *Tracker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		cfg:      cfg,
		up:       up,
		resolver: resolver,
		calc:     blobname.NewCalculator(cfg.MaxBlobSize),
		logger:   logger.With("component", "buffersync"),
		synced:   event.NewEmitter[Synced](),
		docs:     make(map[DocumentID]*document),
		waiting:  make(map[string][]waiter),
	}
	t.unlisten = []func(){
		up.OnDidUpload().Listen(func(u uploader.Uploaded) {
			t.settle(u.BlobName, u.Canonical, nil)
		}),
		up.OnFoundIndexedBlobNames().Listen(func(names []string) {
			for _, name := range names {
				t.settle(name, name, nil)
			}
		}),
		up.OnFailed().Listen(func(f uploader.Failure) {
			t.settle(f.BlobName, "", f.Err)
		}),
	}
	return t
}

// Stop detaches the tracker from the uploader.
func (t *Tracker) Stop() {
	for _, fn := range t.unlisten {
		fn()
	}
	t.synced.Close()
}

func (t *Tracker) OnSynced() *event.Emitter[Synced] {
	return t.synced
}

// Open starts tracking doc with its full text and uploads it.
func (t *Tracker) Open(doc DocumentID, text string) error {
	pathName, err := t.pathName(doc)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if old, ok := t.docs[doc]; ok {
		t.abandonLocked(old)
	}
	d := &document{
		id:       doc,
		pathName: pathName,
		text:     text,
		pending:  NewChangeTracker(len(text)),
	}
	d.pending.MarkAll()
	t.docs[doc] = d
	next := t.beginLocked(d)
	t.mu.Unlock()

	t.logger.Debug("document open", "doc", doc, "path", pathName, "size", humanize.Bytes(uint64(len(text))))
	t.run(next)
	return nil
}

// Change applies the edits of version to doc. text is the document after
// the edits; when the edits do not reproduce its length the whole document
// is treated as changed.
func (t *Tracker) Change(doc DocumentID, version int64, edits []Edit, text string) error {
	t.mu.Lock()
	d, ok := t.docs[doc]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDocument, doc)
	}
	if version <= d.appliedSeq {
		t.mu.Unlock()
		return fmt.Errorf("%w: %d <= %d", ErrStaleVersion, version, d.appliedSeq)
	}

	rebase := false
	for _, e := range edits {
		if err := d.pending.Apply(e); err != nil {
			t.logger.Warn("edit rejected", "doc", doc, "version", version, "error", err)
			rebase = true
			break
		}
		if d.upload != nil {
			d.upload.covered.Apply(e)
		}
	}
	if rebase || d.pending.Len() != len(text) {
		d.pending = NewChangeTracker(len(text))
		d.pending.MarkAll()
		if d.upload != nil {
			d.upload.covered = NewChangeTracker(len(text))
		}
	}
	d.text = text
	d.appliedSeq = version

	var next *job
	cs := t.cfg.ChunkSize
	switch {
	case d.upload != nil:
		// below the threshold a fresh upload would not have started either
		changed := d.pending.Chunks(cs)
		window := max(d.upload.chunks, 1)
		if changed >= t.cfg.ChunkThreshold && float64(changed) > t.cfg.CancelFraction*float64(window) {
			t.logger.Debug("upload cancelled", "doc", doc, "seq", d.upload.seq, "version", version)
			t.stats.Cancelled++
			t.abandonLocked(d)
			next = t.beginLocked(d)
		}
	case d.pending.Chunks(cs) >= t.cfg.ChunkThreshold:
		next = t.beginLocked(d)
	}
	t.mu.Unlock()

	t.run(next)
	return nil
}

// LostFocus uploads whatever changed in doc without waiting for the
// threshold.
func (t *Tracker) LostFocus(doc DocumentID) error {
	t.mu.Lock()
	d, ok := t.docs[doc]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDocument, doc)
	}
	var next *job
	switch {
	case d.upload != nil:
		d.flush = true
	case !d.pending.Empty():
		next = t.beginLocked(d)
	}
	t.mu.Unlock()

	t.run(next)
	return nil
}

// Close stops tracking doc. Results of its in-flight upload are ignored.
func (t *Tracker) Close(doc DocumentID) {
	t.mu.Lock()
	if d, ok := t.docs[doc]; ok {
		t.abandonLocked(d)
		delete(t.docs, doc)
	}
	t.mu.Unlock()
}

// Delete drops doc after its file was deleted.
func (t *Tracker) Delete(doc DocumentID) {
	t.Close(doc)
	t.logger.Debug("document deleted", "doc", doc)
}

// Rename moves doc to newDoc. The blob name depends on the path, so the
// whole document is uploaded again under the new name.
func (t *Tracker) Rename(doc, newDoc DocumentID) error {
	pathName, err := t.pathName(newDoc)

	t.mu.Lock()
	d, ok := t.docs[doc]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDocument, doc)
	}
	t.abandonLocked(d)
	delete(t.docs, doc)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if old, ok := t.docs[newDoc]; ok {
		t.abandonLocked(old)
	}
	d.id = newDoc
	d.pathName = pathName
	d.uploadedBlob = ""
	d.uploadedSeq = 0
	d.pending.MarkAll()
	t.docs[newDoc] = d
	next := t.beginLocked(d)
	t.mu.Unlock()

	t.run(next)
	return nil
}

// BlobName returns the blob name of the last confirmed snapshot of doc.
func (t *Tracker) BlobName(doc DocumentID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[doc]
	if !ok || d.uploadedBlob == "" {
		return "", false
	}
	return d.uploadedBlob, true
}

func (t *Tracker) Status(doc DocumentID) (DocumentStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[doc]
	if !ok {
		return DocumentStatus{}, false
	}
	return DocumentStatus{
		PathName:      d.pathName,
		AppliedSeq:    d.appliedSeq,
		UploadedSeq:   d.uploadedSeq,
		BlobName:      d.uploadedBlob,
		Uploading:     d.upload != nil,
		PendingChunks: d.pending.Chunks(t.cfg.ChunkSize),
		Untrackable:   d.untrackable,
		LastError:     d.lastErr,
	}, true
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Open = len(t.docs)
	for _, d := range t.docs {
		if d.upload != nil {
			s.Uploading++
		}
	}
	return s
}

func (t *Tracker) pathName(doc DocumentID) (string, error) {
	id, _, ok := t.resolver.Resolve(string(doc))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrOutsideFolders, doc)
	}
	info, ok := t.resolver.Folder(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrOutsideFolders, doc)
	}
	return utils.RelPath(info.RepoRoot, string(doc))
}

// beginLocked snapshots d and registers the upload. The returned job must
// be run after the lock is released: the uploader may report back
// synchronously.
func (t *Tracker) beginLocked(d *document) *job {
	content := []byte(d.text)
	name, err := t.calc.Calculate(d.pathName, content)
	if err != nil {
		d.untrackable = untrackableReason(err)
		t.logger.Debug("document untrackable", "doc", d.id, "reason", d.untrackable)
		return nil
	}
	d.untrackable = ""
	d.flush = false

	t.nextKey++
	d.upload = &inflight{
		key:      t.nextKey,
		seq:      d.appliedSeq,
		blobName: name,
		chunks:   d.pending.Chunks(t.cfg.ChunkSize),
		covered:  d.pending,
	}
	d.pending = NewChangeTracker(len(d.text))
	t.waiting[name] = append(t.waiting[name], waiter{doc: d.id, key: t.nextKey})
	t.stats.Uploads++

	return &job{
		doc:  d.id,
		key:  t.nextKey,
		item: uploader.Item{Path: d.pathName, Content: content, BlobName: name},
	}
}

// abandonLocked forgets d's in-flight upload and puts its changes back in
// pending.
func (t *Tracker) abandonLocked(d *document) {
	up := d.upload
	if up == nil {
		return
	}
	d.upload = nil
	t.unwaitLocked(up.blobName, waiter{doc: d.id, key: up.key})
	if err := up.covered.Merge(d.pending); err != nil {
		d.pending.MarkAll()
		return
	}
	d.pending = up.covered
}

func (t *Tracker) unwaitLocked(name string, w waiter) {
	ws := t.waiting[name]
	for i := range ws {
		if ws[i] == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(t.waiting, name)
		return
	}
	t.waiting[name] = ws
}

func (t *Tracker) run(jobs ...*job) {
	for _, j := range jobs {
		if j == nil {
			continue
		}
		if _, err := t.up.EnqueueUpload(j.item); err != nil {
			t.logger.Warn("enqueue upload", "doc", j.doc, "error", err)
			t.mu.Lock()
			t.unwaitLocked(j.item.BlobName, waiter{doc: j.doc, key: j.key})
			ev, next := t.resolveLocked(j.item.BlobName, waiter{doc: j.doc, key: j.key}, "", err)
			t.mu.Unlock()
			t.publish(ev, next)
		}
	}
}

// settle resolves every upload waiting on name.
func (t *Tracker) settle(name, canonical string, err error) {
	t.mu.Lock()
	ws := t.waiting[name]
	delete(t.waiting, name)
	var events []Synced
	var jobs []*job
	for _, w := range ws {
		ev, next := t.resolveLocked(name, w, canonical, err)
		if ev != nil {
			events = append(events, *ev)
		}
		jobs = append(jobs, next)
	}
	t.mu.Unlock()

	for _, ev := range events {
		t.synced.Emit(ev)
	}
	t.run(jobs...)
}

func (t *Tracker) publish(ev *Synced, next *job) {
	if ev != nil {
		t.synced.Emit(*ev)
	}
	t.run(next)
}

// resolveLocked completes the upload w was waiting on, unless the document
// moved on to another upload since.
func (t *Tracker) resolveLocked(name string, w waiter, canonical string, err error) (*Synced, *job) {
	d, ok := t.docs[w.doc]
	if !ok || d.upload == nil || d.upload.key != w.key {
		t.stats.Stale++
		t.logger.Debug("upload result ignored", "doc", w.doc, "blob", name)
		return nil, nil
	}

	if err != nil {
		t.stats.Failed++
		d.lastErr = err
		t.abandonLocked(d)
		return nil, nil
	}

	up := d.upload
	d.upload = nil
	d.uploadedSeq = up.seq
	d.uploadedBlob = canonical
	d.lastErr = nil

	var next *job
	if (d.flush && !d.pending.Empty()) || d.pending.Chunks(t.cfg.ChunkSize) >= t.cfg.ChunkThreshold {
		next = t.beginLocked(d)
	}
	return &Synced{Doc: d.id, Seq: up.seq, BlobName: canonical}, next
}

func untrackableReason(err error) string {
	switch {
	case errors.Is(err, blobname.ErrTooLarge):
		return "too large"
	case errors.Is(err, blobname.ErrBinary):
		return "binary content"
	}
	return "blob name calculation failed"
}
