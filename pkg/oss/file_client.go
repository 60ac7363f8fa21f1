package oss

import (
	"context"
	"crypto/sha1" //nolint:gosec // G505: sha1 matches the digest reported by the OSS listing
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const sessionsDir = ".sessions"

// FileClient is a filesystem-backed implementation of Client.
// Buckets are directories under baseDir; object keys are path-escaped file names.
type FileClient struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileClient creates a client rooted at baseDir.
func NewFileClient(baseDir string) (*FileClient, error) {
	//nolint:gosec // G301: 0755 is intentional for shared storage directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure storage dir: %w", err)
	}
	return &FileClient{baseDir: baseDir}, nil
}

func (c *FileClient) bucketDir(bucket string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name: %q", bucket)
	}
	return filepath.Join(c.baseDir, bucket), nil
}

func (c *FileClient) objectPath(bucket, key string) (string, error) {
	dir, err := c.bucketDir(bucket)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("empty object key")
	}
	return filepath.Join(dir, url.PathEscape(key)), nil
}

func (c *FileClient) CreateBucket(ctx context.Context, bucket string, policy Policy) (CreateResult, error) {
	dir, err := c.bucketDir(bucket)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	//nolint:gosec // G301: 0755 is intentional for shared storage directory
	if err := os.Mkdir(dir, 0755); err != nil {
		if os.IsExist(err) {
			return AlreadyExists, nil
		}
		return 0, err
	}
	return Created, nil
}

func (c *FileClient) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectDetails, error) {
	dir, err := c.bucketDir(bucket)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("bucket %q does not exist", bucket)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}

	var objects []ObjectDetails
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		key, err := url.PathUnescape(e.Name())
		if err != nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		digest, size, err := fileDigest(path)
		if err != nil {
			return nil, err
		}
		objects = append(objects, ObjectDetails{
			BucketKey: bucket,
			ObjectID:  fmt.Sprintf("urn:file:%s/%s", bucket, key),
			ObjectKey: key,
			Digest:    digest,
			Size:      size,
			Location:  (&url.URL{Scheme: "file", Path: path}).String(),
		})
	}
	return objects, nil
}

func fileDigest(path string) (string, int64, error) {
	f, err := os.Open(path) //nolint:gosec // path is built from an escaped key
	if err != nil {
		return "", 0, err
	}
	defer f.Close() //nolint:errcheck // best-effort close

	h := sha1.New() //nolint:gosec // see import
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func (c *FileClient) UploadObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	path, err := c.objectPath(bucket, key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return fmt.Errorf("bucket %q does not exist", bucket)
	}

	// Write to temp, then rename
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to stage object: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("short upload: got %d bytes, want %d", n, size)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

// UploadChunk appends the chunk to a per-session staging file and moves it
// into place once the last byte arrives. Out-of-order chunks are rejected.
func (c *FileClient) UploadChunk(ctx context.Context, bucket, key string, rng ContentRange, sessionID string, body io.Reader) error {
	path, err := c.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return fmt.Errorf("invalid session id: %q", sessionID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := filepath.Join(filepath.Dir(path), sessionsDir)
	//nolint:gosec // G301: 0755 is intentional for shared storage directory
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to prepare session: %w", err)
	}
	partPath := filepath.Join(dir, sessionID)

	var have int64
	if info, err := os.Stat(partPath); err == nil {
		have = info.Size()
	} else if !os.IsNotExist(err) {
		return err
	}
	if rng.Begin != have {
		return fmt.Errorf("session %s: chunk %s does not continue at offset %d", sessionID, rng, have)
	}

	//nolint:gosec // G302/G304: path derived from validated session id
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if n != rng.Len() {
		_ = os.Truncate(partPath, have)
		return fmt.Errorf("chunk %s carried %d bytes", rng, n)
	}

	if rng.Last() {
		if err := os.Rename(partPath, path); err != nil {
			return fmt.Errorf("failed to commit object: %w", err)
		}
	}
	return nil
}

// AbortChunks removes the staging file of an unfinished session.
func (c *FileClient) AbortChunks(ctx context.Context, bucket, key, sessionID string) error {
	path, err := c.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return fmt.Errorf("invalid session id: %q", sessionID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(filepath.Join(filepath.Dir(path), sessionsDir, sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to abort session: %w", err)
	}
	return nil
}

func (c *FileClient) DownloadObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	path, err := c.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(path) //nolint:gosec // path is built from an escaped key
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	return f, nil
}

func (c *FileClient) DeleteObject(ctx context.Context, bucket, key string) error {
	path, err := c.objectPath(bucket, key)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// CreateSignedURL returns a file URL. Local objects need no signature.
func (c *FileClient) CreateSignedURL(ctx context.Context, bucket, key string) (string, error) {
	path, err := c.objectPath(bucket, key)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
