// Package oss talks to bucket-based object storage.
//
// Backends implement Client: HTTPClient for the OSS REST API, S3Client,
// GCSClient (built with -tags gcp) and FileClient for a local directory.
// Bucket binds a Client to one bucket and maps failures to TransferError.
package oss

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Policy is the retention policy of a bucket.
type Policy string

const (
	PolicyTransient  Policy = "transient"
	PolicyTemporary  Policy = "temporary"
	PolicyPersistent Policy = "persistent"
)

// CreateResult is the outcome of a successful bucket creation call.
// Failures are reported as *StorageProvisioningError.
type CreateResult int

const (
	Created CreateResult = iota + 1
	AlreadyExists
)

func (r CreateResult) String() string {
	switch r {
	case Created:
		return "created"
	case AlreadyExists:
		return "already-exists"
	default:
		return "unknown"
	}
}

// ObjectDetails is one entry of an object listing.
type ObjectDetails struct {
	BucketKey string `json:"bucketKey"`
	ObjectID  string `json:"objectId"`
	ObjectKey string `json:"objectKey"`
	Digest    string `json:"sha1"`
	Size      int64  `json:"size"`
	Location  string `json:"location"`
}

// ContentRange describes one chunk of a resumable upload.
// Begin and End are zero-based and inclusive.
type ContentRange struct {
	Begin int64
	End   int64
	Total int64
}

// String renders the Content-Range header value.
func (r ContentRange) String() string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Begin, r.End, r.Total)
}

// Len is the number of bytes in the range.
func (r ContentRange) Len() int64 { return r.End - r.Begin + 1 }

// Last reports whether the range ends at the final byte.
func (r ContentRange) Last() bool { return r.End == r.Total-1 }

// ParseContentRange parses a "bytes b-e/t" header value.
func ParseContentRange(s string) (ContentRange, error) {
	var r ContentRange
	if _, err := fmt.Sscanf(s, "bytes %d-%d/%d", &r.Begin, &r.End, &r.Total); err != nil {
		return ContentRange{}, fmt.Errorf("invalid content range %q: %w", s, err)
	}
	if r.Begin < 0 || r.End < r.Begin || r.End >= r.Total {
		return ContentRange{}, fmt.Errorf("invalid content range %q", s)
	}
	return r, nil
}

// Client is the remote object store API.
type Client interface {
	CreateBucket(ctx context.Context, bucket string, policy Policy) (CreateResult, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectDetails, error)
	UploadObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	// UploadChunk sends one chunk of a resumable upload. Chunks of one
	// session must arrive in increasing offset order; the object becomes
	// visible once the chunk holding the last byte is stored.
	UploadChunk(ctx context.Context, bucket, key string, rng ContentRange, sessionID string, body io.Reader) error
	DownloadObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	CreateSignedURL(ctx context.Context, bucket, key string) (string, error)
}

// ChunkAborter is implemented by clients that hold state for an open chunk
// session. AbortChunks discards that state; unknown sessions are ignored.
type ChunkAborter interface {
	AbortChunks(ctx context.Context, bucket, key, sessionID string) error
}

// StorageProvisioningError is returned when a bucket could not be created
// for a reason other than it already existing.
type StorageProvisioningError struct {
	Bucket string
	Err    error
}

func (e *StorageProvisioningError) Error() string {
	return fmt.Sprintf("provision bucket %q: %v", e.Bucket, e.Err)
}

func (e *StorageProvisioningError) Unwrap() error { return e.Err }

// TransferError wraps any upload, download, listing or delete failure.
type TransferError struct {
	Op  string
	Key string
	Err error
}

func (e *TransferError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
