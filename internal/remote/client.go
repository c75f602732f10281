// Package remote defines the RPC contract of the blob index service and its
// HTTP implementation.
package remote

import "context"

// BlobItem is one piece of content sent to the remote. BlobName is the name
// the client expects the remote to assign.
type BlobItem struct {
	PathName string            `json:"path_name"`
	Text     string            `json:"text"`
	BlobName string            `json:"blob_name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type FindMissingRequest struct {
	BlobNames []string `json:"blob_names"`
}

// FindMissingResponse partitions the probed names. Names in neither list are
// uploaded and indexed.
type FindMissingResponse struct {
	UnknownBlobNames    []string `json:"unknown_blob_names"`
	NonindexedBlobNames []string `json:"nonindexed_blob_names"`
}

type BatchUploadRequest struct {
	Blobs []BlobItem `json:"blobs"`
}

// BatchUploadResponse holds the canonical names of the uploaded items in
// request order. Fewer names than items means the trailing items failed.
type BatchUploadResponse struct {
	BlobNames []string `json:"blob_names"`
}

type MemorizeResponse struct {
	BlobName string `json:"blob_name"`
}

// Client is the remote blob index.
type Client interface {
	FindMissing(ctx context.Context, blobNames []string) (*FindMissingResponse, error)
	BatchUpload(ctx context.Context, items []BlobItem) (*BatchUploadResponse, error)
	Memorize(ctx context.Context, item BlobItem) (string, error)
}
