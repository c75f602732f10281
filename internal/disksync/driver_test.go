package disksync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmined/blobsync/internal/blobname"
	"github.com/openmined/blobsync/internal/ignore"
	"github.com/openmined/blobsync/internal/pathindex"
	"github.com/openmined/blobsync/internal/remote"
	"github.com/openmined/blobsync/internal/remote/memremote"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FastRetryPeriod = 10 * time.Millisecond
	cfg.BackoffPeriod = time.Hour
	cfg.BackoffAfter = time.Hour
	cfg.RPCTimeout = 5 * time.Second
	cfg.CacheFlushInterval = time.Hour
	return cfg
}

type harness struct {
	root   string
	index  *pathindex.Index
	folder pathindex.FolderID
	srv    *memremote.Server
	d      *Driver
}

func newHarness(t *testing.T, cfg Config, srv *memremote.Server, root string, cache CacheStore) *harness {
	t.Helper()
	if root == "" {
		root = t.TempDir()
	}
	fsys := afero.NewBasePathFs(afero.NewOsFs(), root)
	index := pathindex.New(nil)
	folder, err := index.OpenSourceFolder(root, root)
	require.NoError(t, err)
	filter, err := ignore.New(fsys, []string{"**/*.secret"}, nil)
	require.NoError(t, err)

	d, err := New(cfg, Deps{
		Index:  index,
		Folder: folder,
		Fs:     fsys,
		Filter: filter,
		Remote: srv,
		Cache:  cache,
	})
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	return &harness{root: root, index: index, folder: folder, srv: srv, d: d}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.d.Start(t.Context()))
}

func (h *harness) write(t *testing.T, relPath, content string) {
	t.Helper()
	abs := filepath.Join(h.root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (h *harness) touch(t *testing.T, relPath string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(filepath.Join(h.root, filepath.FromSlash(relPath)), mtime, mtime))
}

func (h *harness) ingest(t *testing.T, relPaths ...string) {
	t.Helper()
	for _, p := range relPaths {
		require.NoError(t, h.d.Ingest(p))
	}
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.d.WaitQuiescent(ctx))
}

func (h *harness) blob(relPath string) string {
	name, _ := h.index.GetBlobName(h.folder, relPath)
	return name
}

func (h *harness) state(relPath string) PathState {
	status, ok := h.d.Status(relPath)
	if !ok {
		return PathStateUnseen
	}
	return status.State
}

func TestNew_MissingDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	assert.ErrorIs(t, err, ErrMissingDeps)
}

func TestIngest_UploadsUnknownBlob(t *testing.T) {
	srv := memremote.New()
	h := newHarness(t, testConfig(), srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")
	h.settle(t)

	b1 := blobname.Name("a.ts", []byte("x"))
	assert.Equal(t, b1, h.blob("a.ts"))
	assert.True(t, srv.Has(b1))
	assert.Equal(t, PathStateTracked, h.state("a.ts"))

	info, err := os.Stat(filepath.Join(h.root, "a.ts"))
	require.NoError(t, err)
	entry, ok := h.index.GetEntry(h.folder, "a.ts")
	require.True(t, ok)
	assert.True(t, entry.Info.Mtime.Equal(info.ModTime()))

	stats := h.d.Stats()
	assert.EqualValues(t, 1, stats.Uploaded)
	assert.EqualValues(t, 1, stats.Hashed)
	assert.Equal(t, 1, stats.StateCounts[PathStateTracked])
}

func TestIngest_LateUploadResultIsDiscarded(t *testing.T) {
	srv := memremote.New()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv.OnCall(memremote.OpBatchUpload, func(ctx context.Context) {
		first := false
		once.Do(func() { first = true })
		if !first {
			return
		}
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	h := newHarness(t, testConfig(), srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")
	<-entered

	// edited while the first upload is still on the wire
	h.write(t, "a.ts", "y")
	h.ingest(t, "a.ts")

	b2 := blobname.Name("a.ts", []byte("y"))
	require.Eventually(t, func() bool { return h.blob("a.ts") == b2 }, 5*time.Second, 5*time.Millisecond)

	close(release)
	h.settle(t)

	assert.Equal(t, b2, h.blob("a.ts"))
	assert.True(t, srv.Has(b2))
	assert.Equal(t, PathStateTracked, h.state("a.ts"))
	assert.GreaterOrEqual(t, h.d.Stats().Stale, int64(1))
}

func TestIngest_ReportMissingForcesReupload(t *testing.T) {
	srv := memremote.New()
	h := newHarness(t, testConfig(), srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")
	h.settle(t)
	b1 := h.blob("a.ts")
	require.True(t, srv.Has(b1))
	probes := srv.Calls(memremote.OpFindMissing)

	// mtime moved, content did not: recorded without asking the remote
	h.touch(t, "a.ts", time.Now().Add(time.Minute))
	h.ingest(t, "a.ts")
	h.settle(t)
	assert.EqualValues(t, 1, h.d.Stats().Unchanged)
	assert.Equal(t, probes, srv.Calls(memremote.OpFindMissing))

	// the remote lost the blob and someone noticed
	srv.Forget(b1)
	assert.Equal(t, 1, h.index.ReportMissing(b1))

	h.touch(t, "a.ts", time.Now().Add(2*time.Minute))
	h.ingest(t, "a.ts")
	h.settle(t)

	assert.True(t, srv.Has(b1))
	assert.Equal(t, b1, h.blob("a.ts"))
	assert.EqualValues(t, 2, h.d.Stats().Uploaded)
}

func TestIngest_MtimeCacheHitSkipsHashing(t *testing.T) {
	srv := memremote.New()
	h := newHarness(t, testConfig(), srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")
	h.settle(t)
	probes := srv.Calls(memremote.OpFindMissing)

	h.ingest(t, "a.ts")
	h.settle(t)

	stats := h.d.Stats()
	assert.EqualValues(t, 1, stats.CacheHits)
	assert.EqualValues(t, 1, stats.Hashed)
	assert.Equal(t, probes, srv.Calls(memremote.OpFindMissing))
	assert.Equal(t, PathStateTracked, h.state("a.ts"))
}

func TestIngest_KnownBlobIsNotUploaded(t *testing.T) {
	srv := memremote.New()
	srv.Put("a.ts", "x")
	h := newHarness(t, testConfig(), srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")
	h.settle(t)

	assert.Equal(t, blobname.Name("a.ts", []byte("x")), h.blob("a.ts"))
	assert.Zero(t, srv.Calls(memremote.OpBatchUpload))
	assert.Zero(t, srv.Calls(memremote.OpMemorize))
}

func TestIngest_NonindexedBlobIsReprobed(t *testing.T) {
	srv := memremote.New(memremote.WithIndexLag(2))
	_, err := srv.Memorize(t.Context(), remote.BlobItem{PathName: "a.ts", Text: "x"})
	require.NoError(t, err)
	h := newHarness(t, testConfig(), srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")
	h.settle(t)

	assert.Equal(t, PathStateTracked, h.state("a.ts"))
	assert.Equal(t, 3, srv.Calls(memremote.OpFindMissing))
	assert.Zero(t, srv.Calls(memremote.OpBatchUpload))
}

func TestIngest_RapidIngestsCoalesce(t *testing.T) {
	srv := memremote.New()
	h := newHarness(t, testConfig(), srv, "", nil)

	h.write(t, "a.ts", "x")
	for range 10 {
		h.ingest(t, "a.ts")
	}
	h.start(t)
	h.settle(t)

	stats := h.d.Stats()
	assert.EqualValues(t, 10, stats.Ingested)
	assert.EqualValues(t, 1, stats.Hashed)
	assert.EqualValues(t, 1, stats.Uploaded)
	assert.Equal(t, 1, srv.Len())
}

func TestUpload_BatchBounds(t *testing.T) {
	srv := memremote.New()
	h := newHarness(t, testConfig(), srv, "", nil)

	const files, size = 300, 20 * 1024
	for i := range files {
		h.write(t, fmt.Sprintf("f%03d.txt", i), fmt.Sprintf("%03d", i)+strings.Repeat("a", size-3))
	}
	h.start(t)
	n, err := h.d.Scan(t.Context())
	require.NoError(t, err)
	require.Equal(t, files, n)
	h.settle(t)

	counts, bytes := srv.BatchSizes()
	total := 0
	for i := range counts {
		assert.LessOrEqual(t, counts[i], 128)
		assert.LessOrEqual(t, bytes[i], int64(1_000_000))
		total += counts[i]
	}
	assert.Equal(t, files, total)
	assert.GreaterOrEqual(t, len(counts), files*size/1_000_000)
	assert.Equal(t, files, srv.Len())
	assert.Zero(t, srv.Calls(memremote.OpMemorize))
}

func TestUpload_FailedBatchFallsBackToMemorize(t *testing.T) {
	srv := memremote.New()
	srv.FailNext(memremote.OpBatchUpload, errors.New("connection reset"), errors.New("connection reset"))
	h := newHarness(t, testConfig(), srv, "", nil)

	h.write(t, "a.ts", "a")
	h.write(t, "b.ts", "b")
	h.ingest(t, "a.ts", "b.ts")
	h.start(t)
	h.settle(t)

	assert.Equal(t, 2, srv.Calls(memremote.OpMemorize))
	assert.Equal(t, PathStateTracked, h.state("a.ts"))
	assert.Equal(t, PathStateTracked, h.state("b.ts"))
}

func TestUpload_ChangedDuringUploadIsReingested(t *testing.T) {
	srv := memremote.New()
	h := newHarness(t, testConfig(), srv, "", nil)
	var once sync.Once
	srv.OnCall(memremote.OpFindMissing, func(context.Context) {
		once.Do(func() { h.write(t, "a.ts", "y") })
	})
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")
	require.Eventually(t, func() bool {
		return h.blob("a.ts") == blobname.Name("a.ts", []byte("y"))
	}, 5*time.Second, 5*time.Millisecond)
	h.settle(t)

	assert.EqualValues(t, 1, h.d.Stats().Reingested)
	assert.False(t, srv.Has(blobname.Name("a.ts", []byte("x"))))
}

func TestRetry_TransientProbeFailureRecovers(t *testing.T) {
	srv := memremote.New()
	srv.FailNext(memremote.OpFindMissing, errors.New("unavailable"), errors.New("unavailable"))
	h := newHarness(t, testConfig(), srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")
	h.settle(t)

	assert.Equal(t, PathStateTracked, h.state("a.ts"))
	assert.Equal(t, 3, srv.Calls(memremote.OpFindMissing))
}

func TestRetry_BackoffEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffAfter = 50 * time.Millisecond
	srv := memremote.New()
	errs := make([]error, 1000)
	for i := range errs {
		errs[i] = errors.New("unavailable")
	}
	srv.FailNext(memremote.OpFindMissing, errs...)
	h := newHarness(t, cfg, srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")

	// backoff items do not hold up quiescence
	h.settle(t)
	assert.Equal(t, PathStateBackoff, h.state("a.ts"))
	stats := h.d.Stats()
	assert.Equal(t, 1, stats.Backoff)
	assert.Zero(t, stats.FastRetry)

	status, ok := h.d.Status("a.ts")
	require.True(t, ok)
	assert.Error(t, status.Error)
	assert.Greater(t, status.ErrorCount, 1)
}

func TestUntrackableReasons(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBlobSize = 1024
	srv := memremote.New()
	srv.Reject("bad.ts", nil)
	h := newHarness(t, cfg, srv, "", nil)
	h.start(t)

	h.write(t, "big.ts", strings.Repeat("a", 2048))
	h.write(t, "bin.dat", "a\x00b")
	h.write(t, "bad.ts", "x")
	h.write(t, "ok.ts", "y")
	h.ingest(t, "big.ts", "bin.dat", "bad.ts", "ok.ts")
	h.settle(t)

	tests := []struct {
		path   string
		reason string
	}{
		{"big.ts", "too large"},
		{"bin.dat", "binary content"},
		{"bad.ts", "rejected by server"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, ok := h.d.Status(tt.path)
			require.True(t, ok)
			assert.Equal(t, PathStateUntrackable, status.State)
			assert.Equal(t, tt.reason, status.Reason)

			entry, ok := h.index.GetEntry(h.folder, tt.path)
			require.True(t, ok)
			require.NotNil(t, entry.Info)
			assert.Equal(t, pathindex.InfoUntrackable, entry.Info.Kind)
			assert.Equal(t, tt.reason, entry.Info.Reason)
		})
	}
	assert.Equal(t, PathStateTracked, h.state("ok.ts"))
	assert.EqualValues(t, 3, h.d.Stats().Untrackable)
}

func TestIngest_IgnoredPaths(t *testing.T) {
	h := newHarness(t, testConfig(), memremote.New(), "", nil)
	h.start(t)

	h.write(t, "keys.secret", "k")
	h.write(t, "node_modules/lib.js", "m")
	h.ingest(t, "keys.secret", "node_modules/lib.js")
	h.settle(t)

	status, ok := h.d.Status("keys.secret")
	require.True(t, ok)
	assert.Equal(t, PathStateIgnored, status.State)
	assert.Equal(t, "excluded by **/*.secret", status.Reason)
	assert.Equal(t, PathStateIgnored, h.state("node_modules/lib.js"))
	assert.Zero(t, h.d.Stats().Uploaded)
}

func TestScan_IngestsAndPurges(t *testing.T) {
	srv := memremote.New()
	h := newHarness(t, testConfig(), srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "a")
	h.write(t, "src/b.ts", "b")
	h.write(t, "node_modules/x.js", "x")
	h.write(t, "c.secret", "c")

	n, err := h.d.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.settle(t)

	files := h.index.Snapshot(h.folder)
	require.Len(t, files, 2)
	assert.Equal(t, blobname.Name("src/b.ts", []byte("b")), h.blob("src/b.ts"))
	_, ok := h.index.GetEntry(h.folder, "node_modules/x.js")
	assert.False(t, ok)

	require.NoError(t, os.Remove(filepath.Join(h.root, "src", "b.ts")))
	n, err = h.d.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.settle(t)

	_, ok = h.index.GetEntry(h.folder, "src/b.ts")
	assert.False(t, ok)
	assert.Len(t, h.index.Snapshot(h.folder), 1)
}

func TestScanDir_IngestsSubtreeWithoutPurging(t *testing.T) {
	srv := memremote.New()
	h := newHarness(t, testConfig(), srv, "", nil)
	h.start(t)

	h.write(t, "a.ts", "a")
	h.ingest(t, "a.ts")
	h.settle(t)

	// a.ts is gone but ScanDir must not purge outside its subtree
	require.NoError(t, os.Remove(filepath.Join(h.root, "a.ts")))
	h.write(t, "moved/x.ts", "x")
	h.write(t, "moved/deep/y.ts", "y")

	n, err := h.d.ScanDir(t.Context(), "moved")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	h.settle(t)

	assert.Equal(t, blobname.Name("moved/deep/y.ts", []byte("y")), h.blob("moved/deep/y.ts"))
	_, ok := h.index.GetEntry(h.folder, "a.ts")
	assert.True(t, ok)
}

func TestRemove_DropsPathAndDescendants(t *testing.T) {
	h := newHarness(t, testConfig(), memremote.New(), "", nil)
	h.start(t)

	h.write(t, "dir/a.ts", "a")
	h.write(t, "dir/b.ts", "b")
	_, err := h.d.Scan(t.Context())
	require.NoError(t, err)
	h.settle(t)
	require.Len(t, h.index.Snapshot(h.folder), 2)

	require.NoError(t, os.RemoveAll(filepath.Join(h.root, "dir")))
	require.NoError(t, h.d.Remove("dir"))
	h.settle(t)

	for _, p := range []string{"dir", "dir/a.ts", "dir/b.ts"} {
		_, ok := h.index.GetEntry(h.folder, p)
		assert.False(t, ok, p)
	}
	assert.EqualValues(t, 3, h.d.Stats().Removed)
}

func TestIngest_AfterStop(t *testing.T) {
	h := newHarness(t, testConfig(), memremote.New(), "", nil)
	h.start(t)
	h.d.Stop()
	assert.ErrorIs(t, h.d.Ingest("a.ts"), ErrStopped)
}

func TestWarmStart_SeedsSkipHashing(t *testing.T) {
	srv := memremote.New()
	root := t.TempDir()
	cachePath := filepath.Join(t.TempDir(), "cache", "mtime.json")

	store, err := NewJSONCacheStore(cachePath)
	require.NoError(t, err)
	first := newHarness(t, testConfig(), srv, root, store)
	first.start(t)
	first.write(t, "a.ts", "a")
	first.write(t, "b.ts", "b")
	_, err = first.d.Scan(t.Context())
	require.NoError(t, err)
	first.settle(t)
	first.d.Stop()
	require.FileExists(t, cachePath)

	store, err = NewJSONCacheStore(cachePath)
	require.NoError(t, err)
	second := newHarness(t, testConfig(), srv, root, store)
	second.start(t)
	_, err = second.d.Scan(t.Context())
	require.NoError(t, err)
	second.settle(t)

	stats := second.d.Stats()
	assert.EqualValues(t, 2, stats.SeedHits)
	assert.Zero(t, stats.Hashed)
	assert.Equal(t, blobname.Name("a.ts", []byte("a")), second.blob("a.ts"))
	assert.Equal(t, 2, srv.Len())
}

func TestWarmStart_StaleSeedIsRehashed(t *testing.T) {
	srv := memremote.New()
	root := t.TempDir()
	store, err := NewSQLiteCacheStore(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Save([]CacheEntry{
		{RelPath: "a.ts", Mtime: time.UnixMilli(1000), BlobName: "deadbeef"},
	}))

	h := newHarness(t, testConfig(), srv, root, store)
	h.start(t)
	h.write(t, "a.ts", "a")
	h.ingest(t, "a.ts")
	h.settle(t)

	assert.Zero(t, h.d.Stats().SeedHits)
	assert.Equal(t, blobname.Name("a.ts", []byte("a")), h.blob("a.ts"))
}

func TestPersist_WritesWhenDirty(t *testing.T) {
	cfg := testConfig()
	cfg.CacheDirtyThreshold = 1
	cfg.CacheFlushInterval = 10 * time.Millisecond
	store, err := NewJSONCacheStore(filepath.Join(t.TempDir(), "mtime.json"))
	require.NoError(t, err)

	h := newHarness(t, cfg, memremote.New(), "", store)
	h.start(t)
	h.write(t, "a.ts", "a")
	h.ingest(t, "a.ts")
	h.settle(t)

	require.Eventually(t, func() bool {
		entries, err := store.Load()
		return err == nil && len(entries) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, h.d.Stats().CacheWrites, int64(1))
}

func TestSubscribeStatus(t *testing.T) {
	h := newHarness(t, testConfig(), memremote.New(), "", nil)
	ch := h.d.SubscribeStatus()
	defer h.d.UnsubscribeStatus(ch)
	h.start(t)

	h.write(t, "a.ts", "x")
	h.ingest(t, "a.ts")

	timeout := time.After(5 * time.Second)
	var seen []PathState
	for {
		select {
		case ev := <-ch:
			require.Equal(t, "a.ts", ev.Path)
			seen = append(seen, ev.Status.State)
			if ev.Status.State == PathStateTracked {
				assert.Equal(t, PathStateCalculating, seen[0])
				assert.Contains(t, seen, PathStateProbing)
				assert.Contains(t, seen, PathStateUploading)
				return
			}
		case <-timeout:
			t.Fatalf("no tracked event, saw %v", seen)
		}
	}
}

func TestWaitQuiescent_PathFinishingInCalculate(t *testing.T) {
	h := newHarness(t, testConfig(), memremote.New(), "", nil)
	h.start(t)

	// binary files end in the calculate stage without reaching probe
	for i := range 50 {
		rel := fmt.Sprintf("bin%02d.dat", i)
		h.write(t, rel, "a\x00b")
		h.ingest(t, rel)

		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		err := h.d.WaitQuiescent(ctx)
		cancel()
		require.NoError(t, err, "iteration %d", i)
		assert.Equal(t, PathStateUntrackable, h.state(rel))
	}
}

func TestProbe_BatchBounds(t *testing.T) {
	cfg := testConfig()
	cfg.ProbeBatchSize = 7
	srv := memremote.New()
	h := newHarness(t, cfg, srv, "", nil)
	for i := range 50 {
		h.write(t, fmt.Sprintf("src/f%02d.ts", i), fmt.Sprintf("file %d", i))
	}
	h.start(t)

	n, err := h.d.Scan(t.Context())
	require.NoError(t, err)
	require.Equal(t, 50, n)
	h.settle(t)

	sizes := srv.ProbeSizes()
	require.NotEmpty(t, sizes)
	total := 0
	for _, size := range sizes {
		assert.LessOrEqual(t, size, 7)
		total += size
	}
	assert.GreaterOrEqual(t, total, 50, "every blob was probed")
	assert.Equal(t, 50, srv.Len())
}
