package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := Default()
	cfg.Folders = []string{t.TempDir()}
	cfg.ServerURL = "http://127.0.0.1:8080"
	cfg.Token = "secret-token"
	cfg.StateDir = t.TempDir()
	return cfg
}

func TestConfig_Validate_NormalizesPaths(t *testing.T) {
	cfg := validConfig(t)
	cfg.Folders[0] = cfg.Folders[0] + "/./"
	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Folders[0]))
	assert.Equal(t, filepath.Clean(cfg.Folders[0]), cfg.Folders[0])
	assert.Equal(t, cfg.Folders[0], cfg.RepoRootFor(cfg.Folders[0]))
}

func TestConfig_Validate_ErrorsOnInvalidInputs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, c *Config)
		want   string
	}{
		{"no folders", func(t *testing.T, c *Config) { c.Folders = nil }, "folder"},
		{"missing folder", func(t *testing.T, c *Config) { c.Folders = []string{"/definitely/not/here"} }, "does not exist"},
		{"overlapping folders", func(t *testing.T, c *Config) {
			sub := filepath.Join(c.Folders[0], "sub")
			require.NoError(t, os.Mkdir(sub, 0o755))
			c.Folders = append(c.Folders, sub)
		}, "overlap"},
		{"folder outside repo root", func(t *testing.T, c *Config) { c.RepoRoot = t.TempDir() }, "outside repo root"},
		{"bad server url", func(t *testing.T, c *Config) { c.ServerURL = "ftp://bad.example.com" }, "server url"},
		{"missing token", func(t *testing.T, c *Config) { c.Token = "" }, "token"},
		{"bad cache", func(t *testing.T, c *Config) { c.Cache = "redis" }, "cache"},
		{"bad log level", func(t *testing.T, c *Config) { c.Log.Level = "chatty" }, "log level"},
		{"bad cancel fraction", func(t *testing.T, c *Config) { c.Buffer.CancelFraction = 2 }, "cancel_fraction"},
		{"huge blobs", func(t *testing.T, c *Config) { c.Sync.MaxBlobSize = 1 << 40 }, "max_blob_size"},
		{"batch smaller than a blob", func(t *testing.T, c *Config) {
			c.Sync.MaxBlobSize = 64 * 1024
			c.Sync.UploadBatchBytes = 32 * 1024
		}, "upload_batch_bytes"},
		{"batch smaller than default blob", func(t *testing.T, c *Config) {
			c.Sync.MaxBlobSize = 0
			c.Sync.UploadBatchBytes = 1024
		}, "upload_batch_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(t, cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_Validate_DryRunNeedsNoServer(t *testing.T) {
	cfg := validConfig(t)
	cfg.ServerURL = ""
	cfg.Token = ""
	cfg.DryRun = true
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromFileAndEnv(t *testing.T) {
	folder, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := strings.Join([]string{
		"folders:",
		"  - " + folder,
		"server_url: https://blobs.example.com",
		"token: abc",
		"cache: sqlite",
		"sync:",
		"  fast_retry_period: 250ms",
		"buffer:",
		"  chunk_size: 64",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	t.Setenv("BLOBSYNC_LOG_LEVEL", "debug")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, []string{folder}, cfg.Folders)
	assert.Equal(t, CacheSQLite, cfg.Cache)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.FastRetryPeriod)
	assert.Equal(t, Default().Sync.BackoffPeriod, cfg.Sync.BackoffPeriod)
	assert.Equal(t, 64, cfg.Buffer.ChunkSize)
	assert.Equal(t, 250*time.Millisecond, cfg.UploaderConfig().ProbeRetryPeriod)
	assert.Equal(t, 64, cfg.BufferSyncConfig().ChunkSize)
	assert.Equal(t, "https://blobs.example.com", cfg.HTTPConfig().BaseURL)
	assert.Equal(t, filepath.Ext(cfg.CachePath(folder)), ".db")
}

func TestConfig_CachePathPerFolder(t *testing.T) {
	cfg := validConfig(t)
	a := cfg.CachePath("/work/a")
	b := cfg.CachePath("/work/b")
	assert.NotEqual(t, a, b)
	assert.Equal(t, cfg.StateDir, filepath.Dir(a))

	cfg.Cache = CacheNone
	assert.Empty(t, cfg.CachePath("/work/a"))
}

func TestConfig_DumpMasksToken(t *testing.T) {
	cfg := validConfig(t)
	var buf bytes.Buffer
	require.NoError(t, cfg.Dump(&buf))

	out := buf.String()
	assert.Contains(t, out, "server_url: http://127.0.0.1:8080")
	assert.Contains(t, out, "fast_retry_period: 3s")
	assert.NotContains(t, out, "secret-token")
	assert.Equal(t, "secret-token", cfg.Token, "dump must not modify the config")
}
