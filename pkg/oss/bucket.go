package oss

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// BucketManager provisions buckets. It keeps no record of buckets it has
// seen, so EnsureBucket costs one create call every time.
type BucketManager struct {
	client Client
	policy Policy
	logger *slog.Logger
}

// NewBucketManager creates a manager creating persistent buckets.
func NewBucketManager(client Client, logger *slog.Logger) *BucketManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &BucketManager{
		client: client,
		policy: PolicyPersistent,
		logger: logger.With("component", "oss"),
	}
}

// EnsureBucket creates the bucket unless it exists already.
func (m *BucketManager) EnsureBucket(ctx context.Context, name string) (CreateResult, error) {
	res, err := m.client.CreateBucket(ctx, name, m.policy)
	if err != nil {
		var spe *StorageProvisioningError
		if errors.As(err, &spe) {
			return 0, err
		}
		return 0, &StorageProvisioningError{Bucket: name, Err: err}
	}
	m.logger.DebugContext(ctx, "bucket ensured", "bucket", name, "result", res.String())
	return res, nil
}

// Open returns a handle for the bucket, creating it first when ensure is set.
func (m *BucketManager) Open(ctx context.Context, name string, ensure bool) (*Bucket, error) {
	if ensure {
		if _, err := m.EnsureBucket(ctx, name); err != nil {
			return nil, err
		}
	}
	return NewBucket(m.client, name), nil
}

// Bucket is a Client bound to a single bucket.
type Bucket struct {
	client Client
	name   string
}

// NewBucket binds client to the named bucket.
func NewBucket(client Client, name string) *Bucket {
	return &Bucket{client: client, name: name}
}

// Name returns the bucket key.
func (b *Bucket) Name() string { return b.name }

// Objects lists objects whose key starts with prefix.
func (b *Bucket) Objects(ctx context.Context, prefix string) ([]ObjectDetails, error) {
	objects, err := b.client.ListObjects(ctx, b.name, prefix)
	if err != nil {
		return nil, wrap("list", prefix, err)
	}
	return objects, nil
}

// Upload stores body as a single object.
func (b *Bucket) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	return wrap("upload", key, b.client.UploadObject(ctx, b.name, key, body, size))
}

// UploadChunk stores one chunk of a resumable upload.
func (b *Bucket) UploadChunk(ctx context.Context, key string, rng ContentRange, sessionID string, body io.Reader) error {
	return wrap("upload chunk "+rng.String(), key, b.client.UploadChunk(ctx, b.name, key, rng, sessionID, body))
}

// AbortChunks discards an unfinished chunk session. Clients that keep no
// session state make this a no-op.
func (b *Bucket) AbortChunks(ctx context.Context, key, sessionID string) error {
	a, ok := b.client.(ChunkAborter)
	if !ok {
		return nil
	}
	return wrap("abort chunks", key, a.AbortChunks(ctx, b.name, key, sessionID))
}

// Download opens the object for reading. The caller closes the reader.
func (b *Bucket) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := b.client.DownloadObject(ctx, b.name, key)
	if err != nil {
		return nil, wrap("download", key, err)
	}
	return rc, nil
}

// Delete removes the object.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	return wrap("delete", key, b.client.DeleteObject(ctx, b.name, key))
}

// SignedURL returns a time-limited read URL for the object.
func (b *Bucket) SignedURL(ctx context.Context, key string) (string, error) {
	url, err := b.client.CreateSignedURL(ctx, b.name, key)
	if err != nil {
		return "", wrap("sign", key, err)
	}
	return url, nil
}

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	return &TransferError{Op: op, Key: key, Err: err}
}
