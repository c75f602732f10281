package uploader

import (
	"time"

	"github.com/openmined/blobsync/internal/blobname"
)

type Config struct {
	ProbeBatchSize      int
	UploadBatchItems    int
	UploadBatchBytes    int64
	ProbeRetryPeriod    time.Duration // fast tier
	ProbeBackoffPeriod  time.Duration // slow tier
	BackoffAfter        time.Duration // age at which an item moves to the slow tier
	UploadRetryPeriod   time.Duration // fast tier
	UploadBackoffPeriod time.Duration // slow tier
	FastUploadAttempts  int           // transient failures before the slow tier
	RPCTimeout          time.Duration
	KnownCacheSize      int
	MaxBlobSize         int64
}

func DefaultConfig() Config {
	return Config{
		ProbeBatchSize:      1000,
		UploadBatchItems:    128,
		UploadBatchBytes:    1_000_000,
		ProbeRetryPeriod:    3 * time.Second,
		ProbeBackoffPeriod:  60 * time.Second,
		BackoffAfter:        60 * time.Second,
		UploadRetryPeriod:   3 * time.Second,
		UploadBackoffPeriod: 60 * time.Second,
		FastUploadAttempts:  5,
		RPCTimeout:          30 * time.Second,
		KnownCacheSize:      8192,
		MaxBlobSize:         blobname.DefaultMaxBlobSize,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ProbeBatchSize <= 0 {
		c.ProbeBatchSize = d.ProbeBatchSize
	}
	if c.UploadBatchItems <= 0 {
		c.UploadBatchItems = d.UploadBatchItems
	}
	if c.UploadBatchBytes <= 0 {
		c.UploadBatchBytes = d.UploadBatchBytes
	}
	if c.ProbeRetryPeriod <= 0 {
		c.ProbeRetryPeriod = d.ProbeRetryPeriod
	}
	if c.ProbeBackoffPeriod <= 0 {
		c.ProbeBackoffPeriod = d.ProbeBackoffPeriod
	}
	if c.BackoffAfter <= 0 {
		c.BackoffAfter = d.BackoffAfter
	}
	if c.UploadRetryPeriod <= 0 {
		c.UploadRetryPeriod = d.UploadRetryPeriod
	}
	if c.UploadBackoffPeriod <= 0 {
		c.UploadBackoffPeriod = d.UploadBackoffPeriod
	}
	if c.FastUploadAttempts <= 0 {
		c.FastUploadAttempts = d.FastUploadAttempts
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	if c.KnownCacheSize <= 0 {
		c.KnownCacheSize = d.KnownCacheSize
	}
	if c.MaxBlobSize <= 0 {
		c.MaxBlobSize = d.MaxBlobSize
	}
	return c
}
