package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/blobsync/internal/blobname"
	"github.com/openmined/blobsync/internal/buffersync"
	"github.com/openmined/blobsync/internal/config"
	"github.com/openmined/blobsync/internal/remote/memremote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, folders int, watch bool) *config.Config {
	t.Helper()
	cfg := baseConfig(t, watch)
	for range folders {
		cfg.Folders = append(cfg.Folders, t.TempDir())
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func baseConfig(t *testing.T, watch bool) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DryRun = true
	cfg.StateDir = t.TempDir()
	cfg.Sync.FastRetryPeriod = 10 * time.Millisecond
	cfg.Sync.RPCTimeout = 5 * time.Second
	cfg.Sync.CacheFlushInterval = time.Hour
	cfg.Watch.Enabled = watch
	cfg.Watch.Debounce = 20 * time.Millisecond
	return cfg
}

func newClient(t *testing.T, cfg *config.Config) (*Client, *memremote.Server) {
	t.Helper()
	srv := memremote.New()
	c, err := New(cfg, WithRemote(srv))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.Start(t.Context()))
	return c, srv
}

func write(t *testing.T, root, relPath, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func settle(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.WaitQuiescent(ctx))
}

func (c *Client) blob(absPath string) string {
	id, rel, ok := c.index.Resolve(absPath)
	if !ok {
		return ""
	}
	name, _ := c.index.GetBlobName(id, rel)
	return name
}

func waitBlob(t *testing.T, c *Client, absPath, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.blob(absPath) == want
	}, 5*time.Second, 10*time.Millisecond, "blob of %s", absPath)
}

func TestClient_ScanSyncsEveryFolder(t *testing.T) {
	cfg := testConfig(t, 2, false)
	a, b := cfg.Folders[0], cfg.Folders[1]
	write(t, a, "main.go", "package main")
	write(t, a, "pkg/util.go", "package pkg")
	write(t, b, "README.md", "# b")
	write(t, b, "node_modules/dep.js", "ignored")

	c, srv := newClient(t, cfg)
	n, err := c.Scan(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	settle(t, c)

	assert.True(t, srv.Has(blobname.Name("pkg/util.go", []byte("package pkg"))))
	assert.True(t, srv.Has(blobname.Name("README.md", []byte("# b"))))

	sum := c.Summary()
	require.Len(t, sum.Folders, 2)
	assert.Equal(t, 3, sum.Tracked())
	assert.EqualValues(t, 2, sum.Folders[0].Sync.Uploaded)
	assert.Equal(t, 1, sum.Folders[1].Index.Trackable)

	d, rel, ok := c.Driver(filepath.Join(b, "README.md"))
	require.True(t, ok)
	assert.Equal(t, "README.md", rel)
	assert.True(t, d.Quiescent())
}

func TestClient_WritesCachePerFolderOnStop(t *testing.T) {
	cfg := testConfig(t, 2, false)
	write(t, cfg.Folders[0], "a.ts", "a")
	write(t, cfg.Folders[1], "b.ts", "b")

	c, _ := newClient(t, cfg)
	_, err := c.Scan(t.Context())
	require.NoError(t, err)
	settle(t, c)
	c.Stop()

	for _, f := range cfg.Folders {
		assert.FileExists(t, cfg.CachePath(f))
	}
}

func TestClient_RepoRootPrefixesPathNames(t *testing.T) {
	repo, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	sub := filepath.Join(repo, "svc")
	write(t, sub, "x.ts", "x")

	cfg := baseConfig(t, false)
	cfg.Folders = []string{sub}
	cfg.RepoRoot = repo
	require.NoError(t, cfg.Validate())

	c, srv := newClient(t, cfg)
	_, err = c.Scan(t.Context())
	require.NoError(t, err)
	settle(t, c)
	assert.True(t, srv.Has(blobname.Name("svc/x.ts", []byte("x"))))
}

func TestClient_WatchIngestsChanges(t *testing.T) {
	cfg := testConfig(t, 1, true)
	root := cfg.Folders[0]
	c, _ := newClient(t, cfg)

	path := filepath.Join(root, "live.ts")
	write(t, root, "live.ts", "v1")
	waitBlob(t, c, path, blobname.Name("live.ts", []byte("v1")))

	write(t, root, "live.ts", "v2")
	waitBlob(t, c, path, blobname.Name("live.ts", []byte("v2")))

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		id, rel, _ := c.index.Resolve(path)
		_, ok := c.index.GetEntry(id, rel)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClient_WatchScansMovedDirectory(t *testing.T) {
	cfg := testConfig(t, 1, true)
	root := cfg.Folders[0]
	c, _ := newClient(t, cfg)

	outside := t.TempDir()
	write(t, outside, "pkg/a.ts", "a")
	write(t, outside, "pkg/deep/b.ts", "b")
	require.NoError(t, os.Rename(filepath.Join(outside, "pkg"), filepath.Join(root, "pkg")))

	waitBlob(t, c, filepath.Join(root, "pkg", "deep", "b.ts"), blobname.Name("pkg/deep/b.ts", []byte("b")))
	waitBlob(t, c, filepath.Join(root, "pkg", "a.ts"), blobname.Name("pkg/a.ts", []byte("a")))
}

func TestClient_IgnoreFileChangeRescans(t *testing.T) {
	cfg := testConfig(t, 1, true)
	root := cfg.Folders[0]
	write(t, root, "keep.ts", "k")
	write(t, root, "drop.ts", "d")

	c, _ := newClient(t, cfg)
	_, err := c.Scan(t.Context())
	require.NoError(t, err)
	settle(t, c)
	require.NotEmpty(t, c.blob(filepath.Join(root, "drop.ts")))

	write(t, root, ".gitignore", "drop.ts\n")
	require.Eventually(t, func() bool {
		return c.blob(filepath.Join(root, "drop.ts")) == ""
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, c.blob(filepath.Join(root, "keep.ts")))
}

func TestClient_BuffersShareTheUploader(t *testing.T) {
	cfg := testConfig(t, 1, false)
	root := cfg.Folders[0]
	c, srv := newClient(t, cfg)

	doc := buffersync.DocumentID(filepath.Join(root, "open.ts"))
	require.NoError(t, c.Buffers().Open(doc, "unsaved"))
	want := blobname.Name("open.ts", []byte("unsaved"))
	require.Eventually(t, func() bool {
		name, ok := c.Buffers().BlobName(doc)
		return ok && name == want
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, srv.Has(want))
	assert.Equal(t, 1, c.Summary().Buffers.Open)
}

func TestClient_StartTwice(t *testing.T) {
	c, _ := newClient(t, testConfig(t, 1, false))
	assert.Error(t, c.Start(t.Context()))
}

func TestNew_RejectsBadExcludes(t *testing.T) {
	cfg := testConfig(t, 1, false)
	cfg.Excludes = []string{"[unterminated"}
	_, err := New(cfg, WithRemote(memremote.New()))
	assert.Error(t, err)
}
