// Package client wires the sync components for a set of source folders.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openmined/blobsync/internal/blobname"
	"github.com/openmined/blobsync/internal/buffersync"
	"github.com/openmined/blobsync/internal/config"
	"github.com/openmined/blobsync/internal/disksync"
	"github.com/openmined/blobsync/internal/ignore"
	"github.com/openmined/blobsync/internal/pathindex"
	"github.com/openmined/blobsync/internal/remote"
	"github.com/openmined/blobsync/internal/remote/memremote"
	"github.com/openmined/blobsync/internal/uploader"
	"github.com/openmined/blobsync/internal/utils"
	"github.com/openmined/blobsync/internal/watcher"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

type Option func(*Client)

// WithRemote replaces the remote built from the config.
func WithRemote(r remote.Client) Option {
	return func(c *Client) { c.remote = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithFs replaces the os filesystem the folders are read from. Paths are
// still absolute.
func WithFs(fs afero.Fs) Option {
	return func(c *Client) { c.fs = fs }
}

type folder struct {
	id     pathindex.FolderID
	root   string
	filter *ignore.Filter
	driver *disksync.Driver
}

type Client struct {
	cfg         *config.Config
	logger      *slog.Logger
	fs          afero.Fs
	remote      remote.Client
	closeRemote func()
	index       *pathindex.Index
	uploader    *uploader.Uploader
	buffers     *buffersync.Tracker
	watcher     *watcher.Watcher
	folders     map[pathindex.FolderID]*folder
	order       []pathindex.FolderID
	unlisten    func()

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg *config.Config, opts ...Option) (*Client, error) {
	c := &Client{
		cfg:         cfg,
		fs:          afero.NewOsFs(),
		folders:     make(map[pathindex.FolderID]*folder),
		closeRemote: func() {},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.remote == nil {
		if cfg.DryRun {
			c.logger.Warn("dry run, uploads go to an in-memory remote")
			c.remote = memremote.New()
		} else {
			hc, err := remote.NewHTTPClient(cfg.HTTPConfig(), c.logger)
			if err != nil {
				return nil, fmt.Errorf("remote client: %w", err)
			}
			c.remote = hc
			c.closeRemote = hc.Close
		}
	}

	calc := blobname.NewCalculator(cfg.Sync.MaxBlobSize)
	c.index = pathindex.New(c.logger)
	c.uploader = uploader.New(cfg.UploaderConfig(), c.remote, calc, c.logger)
	c.buffers = buffersync.NewTracker(cfg.BufferSyncConfig(), c.uploader, c.index, c.logger)

	// a blob the remote forgot must be re-uploaded from every path that has it
	c.unlisten = c.uploader.OnFoundUnknownBlobNames().Listen(func(names []string) {
		for _, name := range names {
			c.index.ReportMissing(name)
		}
	})

	for _, root := range cfg.Folders {
		if err := c.openFolder(root, calc); err != nil {
			c.closeFolders()
			c.buffers.Stop()
			c.unlisten()
			c.closeRemote()
			return nil, err
		}
	}

	if cfg.Watch.Enabled {
		c.watcher = watcher.New(c.logger)
		c.watcher.SetDebounceTimeout(cfg.Watch.Debounce)
		c.watcher.FilterPaths(c.dropRawEvent)
	}
	return c, nil
}

func (c *Client) openFolder(root string, calc *blobname.Calculator) error {
	id, err := c.index.OpenSourceFolder(root, c.cfg.RepoRootFor(root))
	if err != nil {
		return fmt.Errorf("open folder %s: %w", root, err)
	}

	fs := afero.NewBasePathFs(c.fs, root)
	filter, err := ignore.New(fs, c.cfg.Excludes, c.logger)
	if err != nil {
		return err
	}
	filter.Load()

	cache, err := c.openCache(root)
	if err != nil {
		return err
	}

	driver, err := disksync.New(c.cfg.DriverConfig(), disksync.Deps{
		Index:  c.index,
		Folder: id,
		Fs:     fs,
		Filter: filter,
		Remote: c.remote,
		Calc:   calc,
		Cache:  cache,
		Logger: c.logger,
	})
	if err != nil {
		if cache != nil {
			cache.Close()
		}
		return fmt.Errorf("folder %s: %w", root, err)
	}

	c.folders[id] = &folder{id: id, root: root, filter: filter, driver: driver}
	c.order = append(c.order, id)
	return nil
}

func (c *Client) openCache(root string) (disksync.CacheStore, error) {
	path := c.cfg.CachePath(root)
	switch c.cfg.Cache {
	case config.CacheJSON:
		return disksync.NewJSONCacheStore(path)
	case config.CacheSQLite:
		return disksync.NewSQLiteCacheStore(path, c.logger)
	}
	return nil, nil
}

// Start launches every component. It does not scan.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("client already started")
	}
	c.started = true

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.uploader.Start(ctx)
	for _, id := range c.order {
		if err := c.folders[id].driver.Start(ctx); err != nil {
			return fmt.Errorf("start folder %s: %w", c.folders[id].root, err)
		}
	}

	if c.watcher != nil {
		c.watcher.Start(ctx)
		for _, id := range c.order {
			if err := c.watcher.Add(c.folders[id].root); err != nil {
				return err
			}
		}
		c.wg.Add(1)
		go c.route(ctx)
	}
	return nil
}

// Run starts the client, scans every folder and syncs until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	slog.Info("blobsync client start", "folders", len(c.order), "server", c.cfg.ServerURL, "dry_run", c.cfg.DryRun)
	if err := c.Start(ctx); err != nil {
		c.Stop()
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		_, err := c.Scan(egCtx)
		return err
	})
	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("received interrupt signal, stopping client")
		c.Stop()
		return nil
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client failure", "error", err)
		return err
	}
	slog.Info("blobsync client stop")
	return nil
}

// Scan scans all folders concurrently and returns the number of files
// ingested.
func (c *Client) Scan(ctx context.Context) (int, error) {
	var (
		mu    sync.Mutex
		total int
	)
	eg, egCtx := errgroup.WithContext(ctx)
	for _, id := range c.order {
		f := c.folders[id]
		eg.Go(func() error {
			n, err := f.driver.Scan(egCtx)
			mu.Lock()
			total += n
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("folder %s: %w", f.root, err)
			}
			return nil
		})
	}
	err := eg.Wait()
	return total, err
}

// WaitQuiescent blocks until no folder has work outstanding outside the
// backoff tier.
func (c *Client) WaitQuiescent(ctx context.Context) error {
	for {
		for _, id := range c.order {
			if err := c.folders[id].driver.WaitQuiescent(ctx); err != nil {
				return err
			}
		}
		if c.quiescent() {
			return nil
		}
	}
}

func (c *Client) quiescent() bool {
	for _, id := range c.order {
		if !c.folders[id].driver.Quiescent() {
			return false
		}
	}
	return true
}

func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()

	if c.watcher != nil {
		c.watcher.Stop()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.closeFolders()
	c.buffers.Stop()
	c.unlisten()
	c.uploader.Stop()
	c.closeRemote()
	c.index.Close()
}

func (c *Client) closeFolders() {
	for _, id := range c.order {
		c.folders[id].driver.Stop()
	}
}

// Buffers is the tracker for documents open in an editor.
func (c *Client) Buffers() *buffersync.Tracker {
	return c.buffers
}

func (c *Client) Index() *pathindex.Index {
	return c.index
}

// Driver returns the driver owning absPath.
func (c *Client) Driver(absPath string) (*disksync.Driver, string, bool) {
	id, rel, ok := c.index.Resolve(absPath)
	if !ok {
		return nil, "", false
	}
	f, ok := c.folders[id]
	if !ok {
		return nil, "", false
	}
	return f.driver, rel, true
}

func (c *Client) route(ctx context.Context) {
	defer c.wg.Done()
	for ev := range c.watcher.Events() {
		c.handleEvent(ctx, ev)
	}
}

func (c *Client) handleEvent(ctx context.Context, ev watcher.Event) {
	id, rel, ok := c.index.Resolve(ev.Path)
	if !ok || rel == "." {
		return
	}
	f, ok := c.folders[id]
	if !ok {
		return
	}

	if f.filter.IsIgnoreFile(rel) {
		c.logger.Info("ignore rules changed, rescanning", "folder", f.root, "file", rel)
		f.filter.Load()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := f.driver.Scan(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("rescan", "folder", f.root, "error", err)
			}
		}()
	}

	if ev.Op == watcher.Create || ev.Op == watcher.Rename {
		if info, err := c.fs.Stat(ev.Path); err == nil && info.IsDir() {
			// files moved in with a directory produce no events of their own
			if _, err := f.driver.ScanDir(ctx, rel); err != nil && ctx.Err() == nil {
				c.logger.Warn("scan dir", "path", ev.Path, "error", err)
			}
			return
		}
	}
	if err := f.driver.Ingest(rel); err != nil && !errors.Is(err, disksync.ErrStopped) {
		c.logger.Warn("ingest", "path", ev.Path, "error", err)
	}
}

// dropRawEvent filters events before they are debounced. Only paths the
// built-in rules reject are dropped since those can never become tracked.
func (c *Client) dropRawEvent(path string) bool {
	if c.cfg.Cache != config.CacheNone && utils.IsSubPath(c.cfg.StateDir, path) {
		return true
	}
	id, rel, ok := c.index.Resolve(path)
	if !ok {
		return true
	}
	f, ok := c.folders[id]
	if !ok || rel == "." {
		return true
	}
	return f.filter.PathInfo(rel, pathindex.FileTypeFile).Reason == ignore.ReasonDefault
}

type FolderSummary struct {
	Root  string
	Sync  disksync.Stats
	Index pathindex.Stats
}

type Summary struct {
	Folders  []FolderSummary
	Uploader uploader.Stats
	Buffers  buffersync.Stats
}

// Tracked is the number of trackable files over all folders.
func (s Summary) Tracked() int {
	n := 0
	for _, f := range s.Folders {
		n += f.Index.Trackable
	}
	return n
}

func (c *Client) Summary() Summary {
	s := Summary{
		Uploader: c.uploader.Stats(),
		Buffers:  c.buffers.Stats(),
	}
	for _, id := range c.order {
		f := c.folders[id]
		s.Folders = append(s.Folders, FolderSummary{
			Root:  f.root,
			Sync:  f.driver.Stats(),
			Index: c.index.Stats(id),
		})
	}
	return s
}
