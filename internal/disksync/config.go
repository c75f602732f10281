package disksync

import (
	"time"

	"github.com/openmined/blobsync/internal/blobname"
)

type Config struct {
	ProbeBatchSize   int
	UploadBatchItems int
	UploadBatchBytes int64
	// MaxUploadsInFlight bounds concurrent upload RPCs.
	MaxUploadsInFlight int
	FastRetryPeriod    time.Duration
	BackoffPeriod      time.Duration
	BackoffAfter       time.Duration
	RPCTimeout         time.Duration
	MaxBlobSize        int64
	// CacheDirtyThreshold is the number of index changes since the last
	// persist that triggers a cache write.
	CacheDirtyThreshold int
	CacheFlushInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ProbeBatchSize:      1000,
		UploadBatchItems:    128,
		UploadBatchBytes:    1_000_000,
		MaxUploadsInFlight:  4,
		FastRetryPeriod:     3 * time.Second,
		BackoffPeriod:       60 * time.Second,
		BackoffAfter:        60 * time.Second,
		RPCTimeout:          30 * time.Second,
		MaxBlobSize:         blobname.DefaultMaxBlobSize,
		CacheDirtyThreshold: 100,
		CacheFlushInterval:  30 * time.Second,
	}
}

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
	if c.MaxUploadsInFlight <= 0 {
		c.MaxUploadsInFlight = d.MaxUploadsInFlight
	}
	if c.FastRetryPeriod <= 0 {
		c.FastRetryPeriod = d.FastRetryPeriod
	}
	if c.BackoffPeriod <= 0 {
		c.BackoffPeriod = d.BackoffPeriod
	}
	if c.BackoffAfter <= 0 {
		c.BackoffAfter = d.BackoffAfter
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = d.RPCTimeout
	}
	if c.MaxBlobSize <= 0 {
		c.MaxBlobSize = d.MaxBlobSize
	}
	if c.CacheDirtyThreshold <= 0 {
		c.CacheDirtyThreshold = d.CacheDirtyThreshold
	}
	if c.CacheFlushInterval <= 0 {
		c.CacheFlushInterval = d.CacheFlushInterval
	}
	return c
}
