// Package transfer moves object payloads between a bucket and local files.
//
// Payloads above the chunk size are sent as one resumable session of
// sequential chunks; everything else goes up in a single call. Downloads
// are staged next to their destination and renamed into place.
package transfer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/projsync/pkg/observability"
	"github.com/Mindburn-Labs/helm/projsync/pkg/oss"
)

// DefaultChunkSize is both the single-upload threshold and the chunk size.
const DefaultChunkSize = 5 << 20

// Store is the bucket surface a Transfer needs. *oss.Bucket implements it.
type Store interface {
	Name() string
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	UploadChunk(ctx context.Context, key string, rng oss.ContentRange, sessionID string, body io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

// Transfer uploads and downloads objects of one bucket.
type Transfer struct {
	store     Store
	chunkSize int64
	newID     func() string
	logger    *slog.Logger
	obs       *observability.Provider
}

// Option configures a Transfer.
type Option func(*Transfer)

// WithChunkSize overrides DefaultChunkSize. Values below 1 are ignored.
func WithChunkSize(n int64) Option {
	return func(t *Transfer) {
		if n > 0 {
			t.chunkSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transfer) { t.logger = l.With("component", "transfer") }
}

// WithObservability records a span and RED metrics per transfer.
func WithObservability(p *observability.Provider) Option {
	return func(t *Transfer) { t.obs = p }
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(f func() string) Option {
	return func(t *Transfer) { t.newID = f }
}

// New creates a Transfer bound to store.
func New(store Store, opts ...Option) *Transfer {
	t := &Transfer{
		store:     store,
		chunkSize: DefaultChunkSize,
		newID:     uuid.NewString,
		logger:    slog.Default().With("component", "transfer"),
		obs:       observability.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ChunkSize returns the configured chunk size.
func (t *Transfer) ChunkSize() int64 { return t.chunkSize }

// Upload sends size bytes read from src to key.
//
// A chunk failure aborts the upload and leaves the remote object in an
// undefined state; cleaning it up is the caller's job.
func (t *Transfer) Upload(ctx context.Context, key string, src io.Reader, size int64) (err error) {
	if size < 0 {
		return &oss.TransferError{Op: "upload", Key: key, Err: fmt.Errorf("negative size %d", size)}
	}
	chunks := PlanChunks(size, t.chunkSize)

	ctx, finish := t.obs.TrackOperation(ctx, "transfer.upload",
		observability.TransferOperation(t.store.Name(), key, size, len(chunks))...)
	defer func() { finish(err) }()

	if size <= t.chunkSize {
		return t.store.Upload(ctx, key, src, size)
	}

	sessionID := t.newID()
	t.logger.DebugContext(ctx, "chunked upload started",
		"key", key, "size", size, "chunks", len(chunks), "session", sessionID)

	buf := make([]byte, t.chunkSize)
	for _, rng := range chunks {
		chunk := buf[:rng.Len()]
		if _, err := io.ReadFull(src, chunk); err != nil {
			t.abort(ctx, key, sessionID)
			return &oss.TransferError{Op: "read chunk " + rng.String(), Key: key, Err: err}
		}
		if err := t.store.UploadChunk(ctx, key, rng, sessionID, bytes.NewReader(chunk)); err != nil {
			t.abort(ctx, key, sessionID)
			return err
		}
	}

	var extra [1]byte
	if n, _ := src.Read(extra[:]); n > 0 {
		return &oss.TransferError{Op: "upload", Key: key, Err: fmt.Errorf("source is longer than %d bytes", size)}
	}

	t.logger.DebugContext(ctx, "chunked upload finished", "key", key, "session", sessionID)
	return nil
}

// chunkAborter is implemented by stores that can discard an open session.
type chunkAborter interface {
	AbortChunks(ctx context.Context, key, sessionID string) error
}

// abort releases backend state of an abandoned session. Failures are logged only.
func (t *Transfer) abort(ctx context.Context, key, sessionID string) {
	a, ok := t.store.(chunkAborter)
	if !ok {
		return
	}
	if err := a.AbortChunks(context.WithoutCancel(ctx), key, sessionID); err != nil {
		t.logger.WarnContext(ctx, "abort chunk session failed", "key", key, "session", sessionID, "error", err)
	}
}

// UploadFile uploads the file at path to key.
func (t *Transfer) UploadFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path) //nolint:gosec // caller-provided package path
	if err != nil {
		return &oss.TransferError{Op: "upload", Key: key, Err: err}
	}
	defer f.Close() //nolint:errcheck // read-only

	info, err := f.Stat()
	if err != nil {
		return &oss.TransferError{Op: "upload", Key: key, Err: err}
	}
	return t.Upload(ctx, key, f, info.Size())
}

// Download writes the object at key to dest. The payload is staged in a
// temporary file in dest's directory, which is removed on every failure path.
func (t *Transfer) Download(ctx context.Context, key, dest string) (err error) {
	ctx, finish := t.obs.TrackOperation(ctx, "transfer.download",
		observability.TransferOperation(t.store.Name(), key, -1, 1)...)
	defer func() { finish(err) }()

	rc, err := t.store.Download(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck // read side

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return &oss.TransferError{Op: "download", Key: key, Err: err}
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	_, err = io.Copy(tmp, rc)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return &oss.TransferError{Op: "download", Key: key, Err: err}
	}
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return &oss.TransferError{Op: "download", Key: key, Err: err}
	}
	return nil
}

// PlanChunks splits size bytes into contiguous ranges of chunkSize bytes.
// The last range holds the remainder and may be shorter.
func PlanChunks(size, chunkSize int64) []oss.ContentRange {
	if size <= 0 || chunkSize <= 0 {
		return nil
	}
	ranges := make([]oss.ContentRange, 0, (size+chunkSize-1)/chunkSize)
	for begin := int64(0); begin < size; begin += chunkSize {
		end := min(begin+chunkSize, size) - 1
		ranges = append(ranges, oss.ContentRange{Begin: begin, End: end, Total: size})
	}
	return ranges
}

// All runs ops concurrently and returns the first error as soon as it
// arrives. Operations still running are neither cancelled nor awaited;
// their results are dropped.
func All(ctx context.Context, ops ...func(context.Context) error) error {
	errc := make(chan error, len(ops))
	for _, op := range ops {
		go func() { errc <- op(ctx) }()
	}
	for range ops {
		if err := <-errc; err != nil {
			return err
		}
	}
	return nil
}
