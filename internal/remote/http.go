package remote

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/openmined/blobsync/internal/version"
	"golang.org/x/time/rate"
)

const (
	HeaderVersion   = "X-Blobsync-Version"
	HeaderRequestID = "X-Request-Id"

	v1FindMissing = "/api/v1/blobs/find-missing"
	v1BatchUpload = "/api/v1/blobs/batch-upload"
	v1Memorize    = "/api/v1/blobs/memorize"
)

// HTTPConfig configures the HTTP remote client.
type HTTPConfig struct {
	BaseURL    string        // BaseURL is required
	Token      string        // Token is required
	RateLimit  float64       // requests per second, 0 disables limiting
	RateBurst  int           // burst size, defaults to 1
	RetryCount int           // transport-level retries of a single request
	RetryWait  time.Duration // fixed wait between transport retries
}

func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	if c.Token == "" {
		return ErrNoToken
	}
	return nil
}

// HTTPClient talks to the remote blob index over JSON/HTTP.
type HTTPClient struct {
	client  *req.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	client := req.C().
		SetBaseURL(cfg.BaseURL).
		SetCommonRetryCount(cfg.RetryCount).
		SetCommonRetryFixedInterval(cfg.RetryWait).
		SetUserAgent(version.UserAgent()).
		SetCommonHeader(HeaderVersion, version.Version).
		SetCommonBearerAuthToken(cfg.Token).
		SetCommonErrorResult(&APIError{}).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal).
		OnBeforeRequest(func(_ *req.Client, r *req.Request) error {
			r.SetHeader(HeaderRequestID, uuid.NewString())
			return nil
		})

	return &HTTPClient{
		client:  client,
		limiter: limiter,
		logger:  logger.With("component", "remote"),
	}, nil
}

func (c *HTTPClient) FindMissing(ctx context.Context, blobNames []string) (*FindMissingResponse, error) {
	var apiResp FindMissingResponse
	if err := c.post(ctx, v1FindMissing, &FindMissingRequest{BlobNames: blobNames}, &apiResp, "find missing"); err != nil {
		return nil, err
	}
	c.logger.Debug("find missing", "probed", len(blobNames), "unknown", len(apiResp.UnknownBlobNames), "nonindexed", len(apiResp.NonindexedBlobNames))
	return &apiResp, nil
}

func (c *HTTPClient) BatchUpload(ctx context.Context, items []BlobItem) (*BatchUploadResponse, error) {
	var apiResp BatchUploadResponse
	if err := c.post(ctx, v1BatchUpload, &BatchUploadRequest{Blobs: items}, &apiResp, "batch upload"); err != nil {
		return nil, err
	}
	c.logger.Debug("batch upload", "items", len(items), "accepted", len(apiResp.BlobNames))
	return &apiResp, nil
}

func (c *HTTPClient) Memorize(ctx context.Context, item BlobItem) (string, error) {
	var apiResp MemorizeResponse
	if err := c.post(ctx, v1Memorize, &item, &apiResp, "memorize"); err != nil {
		return "", err
	}
	if apiResp.BlobName == "" {
		return "", fmt.Errorf("memorize: %w", NewAPIError(0, CodeUnknownError, "empty blob name in response"))
	}
	return apiResp.BlobName, nil
}

func (c *HTTPClient) Close() {
	c.client.GetClient().CloseIdleConnections()
}

func (c *HTTPClient) post(ctx context.Context, path string, body, result any, operation string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limit: %w", operation, err)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetSuccessResult(result).
		Post(path)

	return handleAPIError(resp, err, operation)
}

var _ Client = (*HTTPClient)(nil)
