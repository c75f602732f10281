// Package config loads the blobsync client configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/openmined/blobsync/internal/blobname"
	"github.com/openmined/blobsync/internal/buffersync"
	"github.com/openmined/blobsync/internal/disksync"
	"github.com/openmined/blobsync/internal/remote"
	"github.com/openmined/blobsync/internal/uploader"
	"github.com/openmined/blobsync/internal/utils"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix      = "BLOBSYNC"
	ConfigFileName = "config"

	CacheJSON   = "json"
	CacheSQLite = "sqlite"
	CacheNone   = "none"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDir  = filepath.Join(home, ".blobsync")
	DefaultStateDir   = filepath.Join(DefaultConfigDir, "state")
	DefaultLogFile    = filepath.Join(DefaultConfigDir, "logs", "blobsync.log")
	DefaultConfigPath = filepath.Join(DefaultConfigDir, "config.yaml")
)

var ErrNoFolders = errors.New("at least one folder is required")

type Config struct {
	Path      string       `mapstructure:"-" yaml:"-"`
	Folders   []string     `mapstructure:"folders" yaml:"folders"`
	RepoRoot  string       `mapstructure:"repo_root" yaml:"repo_root,omitempty"`
	Excludes  []string     `mapstructure:"excludes" yaml:"excludes,omitempty"`
	ServerURL string       `mapstructure:"server_url" yaml:"server_url"`
	Token     string       `mapstructure:"token" yaml:"token,omitempty"`
	StateDir  string       `mapstructure:"state_dir" yaml:"state_dir"`
	Cache     string       `mapstructure:"cache" yaml:"cache"`
	DryRun    bool         `mapstructure:"dry_run" yaml:"dry_run"`
	Log       LogConfig    `mapstructure:"log" yaml:"log"`
	Remote    RemoteConfig `mapstructure:"remote" yaml:"remote"`
	Sync      SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Buffer    BufferConfig `mapstructure:"buffer" yaml:"buffer"`
	Watch     WatchConfig  `mapstructure:"watch" yaml:"watch"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type RemoteConfig struct {
	RateLimit  float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst  int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	RetryCount int           `mapstructure:"retry_count" yaml:"retry_count"`
	RetryWait  time.Duration `mapstructure:"retry_wait" yaml:"retry_wait"`
}

type SyncConfig struct {
	ProbeBatchSize      int           `mapstructure:"probe_batch_size" yaml:"probe_batch_size"`
	UploadBatchItems    int           `mapstructure:"upload_batch_items" yaml:"upload_batch_items"`
	UploadBatchBytes    int64         `mapstructure:"upload_batch_bytes" yaml:"upload_batch_bytes"`
	MaxUploadsInFlight  int           `mapstructure:"max_uploads_in_flight" yaml:"max_uploads_in_flight"`
	FastRetryPeriod     time.Duration `mapstructure:"fast_retry_period" yaml:"fast_retry_period"`
	BackoffPeriod       time.Duration `mapstructure:"backoff_period" yaml:"backoff_period"`
	BackoffAfter        time.Duration `mapstructure:"backoff_after" yaml:"backoff_after"`
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout" yaml:"rpc_timeout"`
	MaxBlobSize         int64         `mapstructure:"max_blob_size" yaml:"max_blob_size"`
	CacheDirtyThreshold int           `mapstructure:"cache_dirty_threshold" yaml:"cache_dirty_threshold"`
	CacheFlushInterval  time.Duration `mapstructure:"cache_flush_interval" yaml:"cache_flush_interval"`
}

type BufferConfig struct {
	ChunkSize      int     `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkThreshold int     `mapstructure:"chunk_threshold" yaml:"chunk_threshold"`
	CancelFraction float64 `mapstructure:"cancel_fraction" yaml:"cancel_fraction"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

func Default() *Config {
	dc := disksync.DefaultConfig()
	bc := buffersync.DefaultConfig()
	return &Config{
		StateDir: DefaultStateDir,
		Cache:    CacheJSON,
		Log: LogConfig{
			Level:      "info",
			File:       DefaultLogFile,
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Remote: RemoteConfig{
			RateLimit:  20,
			RateBurst:  10,
			RetryCount: 2,
			RetryWait:  500 * time.Millisecond,
		},
		Sync: SyncConfig{
			ProbeBatchSize:      dc.ProbeBatchSize,
			UploadBatchItems:    dc.UploadBatchItems,
			UploadBatchBytes:    dc.UploadBatchBytes,
			MaxUploadsInFlight:  dc.MaxUploadsInFlight,
			FastRetryPeriod:     dc.FastRetryPeriod,
			BackoffPeriod:       dc.BackoffPeriod,
			BackoffAfter:        dc.BackoffAfter,
			RPCTimeout:          dc.RPCTimeout,
			MaxBlobSize:         dc.MaxBlobSize,
			CacheDirtyThreshold: dc.CacheDirtyThreshold,
			CacheFlushInterval:  dc.CacheFlushInterval,
		},
		Buffer: BufferConfig{
			ChunkSize:      bc.ChunkSize,
			ChunkThreshold: bc.ChunkThreshold,
			CancelFraction: bc.CancelFraction,
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 50 * time.Millisecond,
		},
	}
}

// SetDefaults registers every default of Default with v so that env vars
// are picked up for keys missing from the config file.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("folders", []string{})
	v.SetDefault("repo_root", "")
	v.SetDefault("excludes", []string{})
	v.SetDefault("server_url", "")
	v.SetDefault("token", "")
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("cache", d.Cache)
	v.SetDefault("dry_run", false)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)

	v.SetDefault("remote.rate_limit", d.Remote.RateLimit)
	v.SetDefault("remote.rate_burst", d.Remote.RateBurst)
	v.SetDefault("remote.retry_count", d.Remote.RetryCount)
	v.SetDefault("remote.retry_wait", d.Remote.RetryWait)

	v.SetDefault("sync.probe_batch_size", d.Sync.ProbeBatchSize)
	v.SetDefault("sync.upload_batch_items", d.Sync.UploadBatchItems)
	v.SetDefault("sync.upload_batch_bytes", d.Sync.UploadBatchBytes)
	v.SetDefault("sync.max_uploads_in_flight", d.Sync.MaxUploadsInFlight)
	v.SetDefault("sync.fast_retry_period", d.Sync.FastRetryPeriod)
	v.SetDefault("sync.backoff_period", d.Sync.BackoffPeriod)
	v.SetDefault("sync.backoff_after", d.Sync.BackoffAfter)
	v.SetDefault("sync.rpc_timeout", d.Sync.RPCTimeout)
	v.SetDefault("sync.max_blob_size", d.Sync.MaxBlobSize)
	v.SetDefault("sync.cache_dirty_threshold", d.Sync.CacheDirtyThreshold)
	v.SetDefault("sync.cache_flush_interval", d.Sync.CacheFlushInterval)

	v.SetDefault("buffer.chunk_size", d.Buffer.ChunkSize)
	v.SetDefault("buffer.chunk_threshold", d.Buffer.ChunkThreshold)
	v.SetDefault("buffer.cancel_fraction", d.Buffer.CancelFraction)

	v.SetDefault("watch.enabled", d.Watch.Enabled)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
}

// Load decodes v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes paths in place and checks every field.
func (c *Config) Validate() error {
	if len(c.Folders) == 0 {
		return ErrNoFolders
	}

	folders := make([]string, 0, len(c.Folders))
	for _, f := range c.Folders {
		abs, err := utils.ResolvePath(f)
		if err != nil {
			return fmt.Errorf("folder %q: %w", f, err)
		}
		if !utils.DirExists(abs) {
			return fmt.Errorf("folder %q does not exist", abs)
		}
		// watch events carry the resolved path
		if abs, err = filepath.EvalSymlinks(abs); err != nil {
			return fmt.Errorf("folder %q: %w", f, err)
		}
		for _, other := range folders {
			if utils.IsSubPath(other, abs) || utils.IsSubPath(abs, other) {
				return fmt.Errorf("folders %q and %q overlap", other, abs)
			}
		}
		folders = append(folders, abs)
	}
	c.Folders = folders

	if c.RepoRoot != "" {
		root, err := utils.ResolvePath(c.RepoRoot)
		if err != nil {
			return fmt.Errorf("repo root: %w", err)
		}
		for _, f := range c.Folders {
			if !utils.IsSubPath(root, f) {
				return fmt.Errorf("folder %q is outside repo root %q", f, root)
			}
		}
		c.RepoRoot = root
	}

	if !c.DryRun {
		if err := validateURL(c.ServerURL); err != nil {
			return fmt.Errorf("server url: %w", err)
		}
		if c.Token == "" {
			return fmt.Errorf("`token` is required unless dry_run is set")
		}
	}

	if !slices.Contains([]string{CacheJSON, CacheSQLite, CacheNone}, c.Cache) {
		return fmt.Errorf("cache must be one of %s, %s, %s", CacheJSON, CacheSQLite, CacheNone)
	}
	if c.Cache != CacheNone {
		stateDir, err := utils.ResolvePath(c.StateDir)
		if err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
		c.StateDir = stateDir
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}

	if c.Sync.MaxBlobSize > blobname.DefaultMaxBlobSize {
		return fmt.Errorf("sync `max_blob_size` must be at most %d", blobname.DefaultMaxBlobSize)
	}
	maxBlob := c.Sync.MaxBlobSize
	if maxBlob <= 0 {
		maxBlob = blobname.DefaultMaxBlobSize
	}
	// a batch always takes one item, so the largest blob must fit the byte bound
	if c.Sync.UploadBatchBytes > 0 && c.Sync.UploadBatchBytes < maxBlob {
		return fmt.Errorf("sync `upload_batch_bytes` must be at least `max_blob_size` (%d)", maxBlob)
	}
	if c.Sync.BackoffAfter < 0 || c.Sync.FastRetryPeriod < 0 || c.Sync.BackoffPeriod < 0 {
		return fmt.Errorf("sync retry periods must not be negative")
	}
	if c.Buffer.CancelFraction < 0 || c.Buffer.CancelFraction > 1 {
		return fmt.Errorf("buffer `cancel_fraction` must be within [0, 1]")
	}
	if c.Remote.RateLimit < 0 {
		return fmt.Errorf("remote `rate_limit` must not be negative")
	}
	return nil
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return level, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	return level, nil
}

// CachePath is where the warm-start cache of folder lives. Folders get
// distinct files keyed by their path.
func (c *Config) CachePath(folder string) string {
	name := strings.NewReplacer(string(filepath.Separator), "_", ":", "_").Replace(strings.TrimLeft(folder, string(filepath.Separator)))
	switch c.Cache {
	case CacheSQLite:
		return filepath.Join(c.StateDir, name+".db")
	case CacheJSON:
		return filepath.Join(c.StateDir, name+".json")
	}
	return ""
}

// RepoRootFor is the root path names of folder are relative to.
func (c *Config) RepoRootFor(folder string) string {
	if c.RepoRoot != "" {
		return c.RepoRoot
	}
	return folder
}

func (c *Config) DriverConfig() disksync.Config {
	return disksync.Config{
		ProbeBatchSize:      c.Sync.ProbeBatchSize,
		UploadBatchItems:    c.Sync.UploadBatchItems,
		UploadBatchBytes:    c.Sync.UploadBatchBytes,
		MaxUploadsInFlight:  c.Sync.MaxUploadsInFlight,
		FastRetryPeriod:     c.Sync.FastRetryPeriod,
		BackoffPeriod:       c.Sync.BackoffPeriod,
		BackoffAfter:        c.Sync.BackoffAfter,
		RPCTimeout:          c.Sync.RPCTimeout,
		MaxBlobSize:         c.Sync.MaxBlobSize,
		CacheDirtyThreshold: c.Sync.CacheDirtyThreshold,
		CacheFlushInterval:  c.Sync.CacheFlushInterval,
	}
}

func (c *Config) UploaderConfig() uploader.Config {
	return uploader.Config{
		ProbeBatchSize:      c.Sync.ProbeBatchSize,
		UploadBatchItems:    c.Sync.UploadBatchItems,
		UploadBatchBytes:    c.Sync.UploadBatchBytes,
		ProbeRetryPeriod:    c.Sync.FastRetryPeriod,
		ProbeBackoffPeriod:  c.Sync.BackoffPeriod,
		BackoffAfter:        c.Sync.BackoffAfter,
		UploadRetryPeriod:   c.Sync.FastRetryPeriod,
		UploadBackoffPeriod: c.Sync.BackoffPeriod,
		RPCTimeout:          c.Sync.RPCTimeout,
		MaxBlobSize:         c.Sync.MaxBlobSize,
	}
}

func (c *Config) BufferSyncConfig() buffersync.Config {
	return buffersync.Config{
		ChunkSize:      c.Buffer.ChunkSize,
		ChunkThreshold: c.Buffer.ChunkThreshold,
		CancelFraction: c.Buffer.CancelFraction,
		MaxBlobSize:    c.Sync.MaxBlobSize,
	}
}

func (c *Config) HTTPConfig() remote.HTTPConfig {
	return remote.HTTPConfig{
		BaseURL:    c.ServerURL,
		Token:      c.Token,
		RateLimit:  c.Remote.RateLimit,
		RateBurst:  c.Remote.RateBurst,
		RetryCount: c.Remote.RetryCount,
		RetryWait:  c.Remote.RetryWait,
	}
}

// Dump writes c as yaml with the token masked.
func (c *Config) Dump(w io.Writer) error {
	masked := *c
	if masked.Token != "" {
		masked.Token = utils.MaskSecret(masked.Token)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return err
	}
	return enc.Close()
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
