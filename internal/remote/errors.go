package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/imroc/req/v3"
)

var (
	ErrNoBaseURL = errors.New("remote: base url missing")
	ErrNoToken   = errors.New("remote: api token missing")
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST" // malformed request or content the server will never accept
	CodeUnauthorized   = "E_UNAUTHORIZED"    // token missing, expired or revoked
	CodeBlobTooLarge   = "E_BLOB_TOO_LARGE"  // content above the server limit
	CodeRateLimited    = "E_RATE_LIMITED"    // rate limit exceeded
	CodeInternalError  = "E_INTERNAL_ERROR"  // internal server error
	CodeUnavailable    = "E_UNAVAILABLE"     // server overloaded or restarting
	CodeUnknownError   = "E_UNKNOWN_ERR"     // unknown error
)

// APIError is an error reported by the remote in a response body.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %d %s - %s", e.Status, e.Code, e.Message)
}

// Transient reports whether the same request may succeed later.
func (e *APIError) Transient() bool {
	switch e.Code {
	case CodeRateLimited, CodeInternalError, CodeUnavailable:
		return true
	case CodeInvalidRequest, CodeBlobTooLarge:
		return false
	}
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTransient reports whether err should be retried. Timeouts and transport
// failures are always transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return !errors.Is(err, context.Canceled)
}

// IsPermanent reports whether the remote refused the request for good.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Transient()
}

func codeForStatus(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusRequestEntityTooLarge:
		return CodeBlobTooLarge
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway || status == http.StatusGatewayTimeout:
		return CodeUnavailable
	case status >= 500:
		return CodeInternalError
	case status >= 400:
		return CodeInvalidRequest
	}
	return CodeUnknownError
}

// handleAPIError turns an error response into an *APIError, even when the
// body was not a JSON error document.
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if resp != nil && resp.Response != nil && resp.IsErrorState() {
		apiErr, ok := resp.ErrorResult().(*APIError)
		if !ok || apiErr == nil || apiErr.Code == "" {
			apiErr = NewAPIError(resp.StatusCode, codeForStatus(resp.StatusCode), resp.Status)
		}
		apiErr.Status = resp.StatusCode
		return fmt.Errorf("%s: %w", operation, apiErr)
	}
	if requestErr != nil {
		return fmt.Errorf("%s: http request error: %w", operation, requestErr)
	}
	return nil
}
