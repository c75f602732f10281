// Package memremote is an in-memory remote blob index. It backs tests and
// dry runs.
package memremote

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/openmined/blobsync/internal/blobname"
	"github.com/openmined/blobsync/internal/remote"
)

type Op string

const (
	OpFindMissing Op = "find_missing"
	OpBatchUpload Op = "batch_upload"
	OpMemorize    Op = "memorize"
)

type blob struct {
	pathName string
	text     string
	// probes left before the blob reports as indexed
	lag int
}

// Server implements remote.Client in memory. Uploaded blobs report as
// nonindexed for the configured number of probes before they are indexed.
type Server struct {
	mu         sync.Mutex
	blobs      map[string]*blob
	indexLag   int
	namer      func(pathName, text string) string
	failures   map[Op][]error
	rejected   map[string]error
	hooks      map[Op]func(ctx context.Context)
	calls      map[Op]int
	probeSizes []int
	batchSizes []int
	batchBytes []int64
}

type Option func(*Server)

// WithIndexLag makes every upload report as nonindexed for n probes.
func WithIndexLag(n int) Option {
	return func(s *Server) { s.indexLag = n }
}

// WithNamer overrides how the server derives canonical blob names.
func WithNamer(fn func(pathName, text string) string) Option {
	return func(s *Server) { s.namer = fn }
}

func New(opts ...Option) *Server {
	s := &Server{
		blobs:    make(map[string]*blob),
		namer:    textName,
		failures: make(map[Op][]error),
		rejected: make(map[string]error),
		hooks:    make(map[Op]func(ctx context.Context)),
		calls:    make(map[Op]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNext makes the next len(errs) calls of op fail with errs, in order.
func (s *Server) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Reject makes every upload of pathName fail with err. A batch containing
// the path is accepted only up to the item before it.
func (s *Server) Reject(pathName string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = remote.NewAPIError(http.StatusBadRequest, remote.CodeInvalidRequest, "rejected "+pathName)
	}
	s.rejected[pathName] = err
}

// OnCall runs fn at the start of every call of op, before the server state is
// touched. fn may block.
func (s *Server) OnCall(op Op, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = fn
}

// Forget drops a blob, as if the server lost it.
func (s *Server) Forget(blobName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, blobName)
}

// Put stores a blob directly, already indexed.
func (s *Server) Put(pathName, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := s.namer(pathName, text)
	s.blobs[name] = &blob{pathName: pathName, text: text}
	return name
}

func (s *Server) Has(blobName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[blobName]
	return ok
}

func (s *Server) Text(blobName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[blobName]
	if !ok {
		return "", false
	}
	return b.text, true
}

func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *Server) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ProbeSizes returns the number of blob names in every FindMissing call
// received, in order.
func (s *Server) ProbeSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.probeSizes...)
}

// BatchSizes returns the item count and byte size of every batch upload
// received, in order.
func (s *Server) BatchSizes() ([]int, []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batchSizes...), append([]int64(nil), s.batchBytes...)
}

func (s *Server) FindMissing(ctx context.Context, blobNames []string) (*remote.FindMissingResponse, error) {
	if err := s.begin(ctx, OpFindMissing); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeSizes = append(s.probeSizes, len(blobNames))

	resp := &remote.FindMissingResponse{}
	for _, name := range blobNames {
		b, ok := s.blobs[name]
		switch {
		case !ok:
			resp.UnknownBlobNames = append(resp.UnknownBlobNames, name)
		case b.lag > 0:
			b.lag--
			resp.NonindexedBlobNames = append(resp.NonindexedBlobNames, name)
		}
	}
	return resp, nil
}

func (s *Server) BatchUpload(ctx context.Context, items []remote.BlobItem) (*remote.BatchUploadResponse, error) {
	if err := s.begin(ctx, OpBatchUpload); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var size int64
	for _, item := range items {
		size += int64(len(item.Text))
	}
	s.batchSizes = append(s.batchSizes, len(items))
	s.batchBytes = append(s.batchBytes, size)

	resp := &remote.BatchUploadResponse{BlobNames: make([]string, 0, len(items))}
	for _, item := range items {
		if _, ok := s.rejected[item.PathName]; ok {
			break
		}
		resp.BlobNames = append(resp.BlobNames, s.storeLocked(item))
	}
	return resp, nil
}

func (s *Server) Memorize(ctx context.Context, item remote.BlobItem) (string, error) {
	if err := s.begin(ctx, OpMemorize); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.rejected[item.PathName]; ok {
		return "", fmt.Errorf("memorize: %w", err)
	}
	return s.storeLocked(item), nil
}

func (s *Server) begin(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	hook := s.hooks[op]
	var err error
	if pending := s.failures[op]; len(pending) > 0 {
		err = pending[0]
		s.failures[op] = pending[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return ctx.Err()
}

func (s *Server) storeLocked(item remote.BlobItem) string {
	name := s.namer(item.PathName, item.Text)
	if _, ok := s.blobs[name]; !ok {
		s.blobs[name] = &blob{pathName: item.PathName, text: item.Text, lag: s.indexLag}
	}
	return name
}

func textName(pathName, text string) string {
	return blobname.Name(pathName, []byte(text))
}

var _ remote.Client = (*Server)(nil)
