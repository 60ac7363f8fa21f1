//go:build gcp

package oss

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSClient implements Client using Google Cloud Storage.
// Chunk sessions are streamed through one object writer per session.
type GCSClient struct {
	client      *storage.Client
	projectID   string
	signerEmail string
	signedTTL   time.Duration

	mu       sync.Mutex
	sessions map[string]*gcsSession
}

type gcsSession struct {
	key    string
	w      *storage.Writer
	cancel context.CancelFunc
}

// GCSClientConfig holds configuration for GCSClient.
type GCSClientConfig struct {
	ProjectID   string
	SignerEmail string // Optional GoogleAccessID for signed URLs
	SignedTTL   time.Duration
}

// NewGCSClient creates a new GCS-backed object store client.
func NewGCSClient(ctx context.Context, cfg GCSClientConfig) (*GCSClient, error) {
	// Create GCS client (uses ADC by default)
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	ttl := cfg.SignedTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &GCSClient{
		client:      client,
		projectID:   cfg.ProjectID,
		signerEmail: cfg.SignerEmail,
		signedTTL:   ttl,
		sessions:    make(map[string]*gcsSession),
	}, nil
}

// CreateBucket maps the retention policy onto an age-based delete rule.
func (c *GCSClient) CreateBucket(ctx context.Context, bucket string, policy Policy) (CreateResult, error) {
	attrs := &storage.BucketAttrs{}
	if days := retentionDays(policy); days > 0 {
		attrs.Lifecycle = storage.Lifecycle{Rules: []storage.LifecycleRule{{
			Action:    storage.LifecycleAction{Type: storage.DeleteAction},
			Condition: storage.LifecycleCondition{AgeInDays: days},
		}}}
	}

	err := c.client.Bucket(bucket).Create(ctx, c.projectID, attrs)
	if err == nil {
		return Created, nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
		return AlreadyExists, nil
	}
	return 0, &StorageProvisioningError{Bucket: bucket, Err: err}
}

func retentionDays(p Policy) int64 {
	switch p {
	case PolicyTransient:
		return 1
	case PolicyTemporary:
		return 30
	default:
		return 0
	}
}

func (c *GCSClient) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectDetails, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var objects []ObjectDetails
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", err)
		}
		objects = append(objects, ObjectDetails{
			BucketKey: bucket,
			ObjectID:  fmt.Sprintf("gs://%s/%s#%d", bucket, attrs.Name, attrs.Generation),
			ObjectKey: attrs.Name,
			Digest:    hex.EncodeToString(attrs.MD5),
			Size:      attrs.Size,
			Location:  attrs.MediaLink,
		})
	}
	return objects, nil
}

func (c *GCSClient) UploadObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	w := c.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

// UploadChunk opens a writer on the first chunk and closes it on the last.
// The writer outlives individual calls, so it runs on its own context.
func (c *GCSClient) UploadChunk(ctx context.Context, bucket, key string, rng ContentRange, sessionID string, body io.Reader) error {
	sess, err := c.session(bucket, key, rng, sessionID)
	if err != nil {
		return err
	}

	if _, err := io.Copy(sess.w, body); err != nil {
		c.drop(sessionID, sess)
		return fmt.Errorf("gcs chunk write failed: %w", err)
	}
	if !rng.Last() {
		return nil
	}

	err = sess.w.Close()
	c.forget(sessionID)
	sess.cancel()
	if err != nil {
		return fmt.Errorf("gcs close failed: %w", err)
	}
	return nil
}

func (c *GCSClient) session(bucket, key string, rng ContentRange, sessionID string) (*gcsSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sess, ok := c.sessions[sessionID]; ok {
		if sess.key != key {
			return nil, fmt.Errorf("session %s belongs to %q", sessionID, sess.key)
		}
		return sess, nil
	}
	if rng.Begin != 0 {
		return nil, fmt.Errorf("session %s: unknown session for chunk %s", sessionID, rng)
	}

	wctx, cancel := context.WithCancel(context.Background())
	w := c.client.Bucket(bucket).Object(key).NewWriter(wctx)
	w.ContentType = "application/octet-stream"
	sess := &gcsSession{key: key, w: w, cancel: cancel}
	c.sessions[sessionID] = sess
	return sess, nil
}

func (c *GCSClient) forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// drop cancels the writer so the partial object is never committed.
func (c *GCSClient) drop(sessionID string, sess *gcsSession) {
	c.forget(sessionID)
	sess.cancel()
	_ = sess.w.Close()
}

// AbortChunks cancels the writer of an unfinished session so nothing is committed.
func (c *GCSClient) AbortChunks(ctx context.Context, bucket, key, sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok || sess.key != key {
		return nil
	}
	c.drop(sessionID, sess)
	return nil
}

func (c *GCSClient) DownloadObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	reader, err := c.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", key, err)
	}
	return reader, nil
}

func (c *GCSClient) DeleteObject(ctx context.Context, bucket, key string) error {
	err := c.client.Bucket(bucket).Object(key).Delete(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("gs://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return fmt.Errorf("gcs delete failed for %s: %w", key, err)
	}
	return nil
}

func (c *GCSClient) CreateSignedURL(ctx context.Context, bucket, key string) (string, error) {
	opts := &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(c.signedTTL),
		Scheme:  storage.SigningSchemeV4,
	}
	if c.signerEmail != "" {
		opts.GoogleAccessID = c.signerEmail
	}
	u, err := c.client.Bucket(bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("gcs sign failed for %s: %w", key, err)
	}
	return u, nil
}

// Close closes the GCS client.
func (c *GCSClient) Close() error {
	return c.client.Close()
}
