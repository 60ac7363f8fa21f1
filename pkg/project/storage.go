package project

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"

	"github.com/Mindburn-Labs/helm/projsync/pkg/transfer"
)

// ErrUninitializedStorage is returned when metadata is read before the
// local cache was ever populated. It marks a usage error and is never retried.
var ErrUninitializedStorage = errors.New("attempt to work with uninitialized project storage")

// Downloader fetches one object into a local file. *transfer.Transfer implements it.
type Downloader interface {
	Download(ctx context.Context, key, dest string) error
}

// Storage binds a project to its lazily loaded metadata. Build one per
// request; metadata is read at most once per instance and never refreshed.
type Storage struct {
	project  *Project
	metadata func() (*Metadata, error)
	readFile func(string) ([]byte, error)
	logger   *slog.Logger
}

// StorageOption configures a Storage.
type StorageOption func(*Storage)

// WithMetadataReader replaces os.ReadFile for metadata loading.
func WithMetadataReader(read func(string) ([]byte, error)) StorageOption {
	return func(s *Storage) { s.readFile = read }
}

// WithStorageLogger sets the logger.
func WithStorageLogger(l *slog.Logger) StorageOption {
	return func(s *Storage) { s.logger = l.With("component", "project") }
}

// NewStorage creates the runtime view of p's local cache.
func NewStorage(p *Project, opts ...StorageOption) *Storage {
	s := &Storage{
		project:  p,
		readFile: os.ReadFile,
		logger:   slog.Default().With("component", "project"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metadata = sync.OnceValues(s.loadMetadata)
	return s
}

// Project returns the bound project.
func (s *Storage) Project() *Project { return s.project }

// Metadata returns the project metadata, reading it on first use.
func (s *Storage) Metadata() (*Metadata, error) {
	return s.metadata()
}

func (s *Storage) loadMetadata() (*Metadata, error) {
	data, err := s.readFile(s.project.MetadataPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrUninitializedStorage, s.project.Name)
		}
		return nil, fmt.Errorf("read metadata of %s: %w", s.project.Name, err)
	}
	m, err := DecodeMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", s.project.Name, err)
	}
	return m, nil
}

// OSSNames resolves remote keys for the hash in the project metadata.
func (s *Storage) OSSNames() (OSSNames, error) {
	m, err := s.Metadata()
	if err != nil {
		return OSSNames{}, err
	}
	return s.project.ResolveRemote(m.Hash)
}

// LocalNames resolves local paths for the hash in the project metadata.
func (s *Storage) LocalNames() (LocalNames, error) {
	m, err := s.Metadata()
	if err != nil {
		return LocalNames{}, err
	}
	return s.project.ResolveLocal(m.Hash)
}

// EnsureLocal populates the local cache: metadata and thumbnail first, then
// the viewables named by the hash the fresh metadata carries. Metadata is
// staged and moved to its final path last, so its presence keeps meaning
// the cache is complete even when a step fails.
func (s *Storage) EnsureLocal(ctx context.Context, d Downloader) error {
	//nolint:gosec // G301: cache directories are shared with the viewer
	if err := os.MkdirAll(s.project.BaseDir(), 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	pending := s.project.MetadataPath() + ".pending"
	defer func() { _ = os.Remove(pending) }()

	err := transfer.All(ctx,
		func(ctx context.Context) error {
			return d.Download(ctx, s.project.MetadataKey(), pending)
		},
		func(ctx context.Context) error {
			return d.Download(ctx, s.project.ThumbnailKey(), s.project.ThumbnailPath())
		},
	)
	if err != nil {
		return err
	}

	// The viewable names depend on the hash, so this waits for metadata.
	data, err := s.readFile(pending)
	if err != nil {
		return fmt.Errorf("read metadata of %s: %w", s.project.Name, err)
	}
	m, err := DecodeMetadata(data)
	if err != nil {
		return fmt.Errorf("project %s: %w", s.project.Name, err)
	}
	if err := s.placeViewables(ctx, d, m.Hash); err != nil {
		return err
	}

	if err := os.Rename(pending, s.project.MetadataPath()); err != nil {
		return fmt.Errorf("publish metadata of %s: %w", s.project.Name, err)
	}
	return nil
}

// EnsureViewables places the viewables of an explicit hash, for callers
// that know it already.
func (s *Storage) EnsureViewables(ctx context.Context, d Downloader, hash string) error {
	return s.placeViewables(ctx, d, hash)
}

func (s *Storage) placeViewables(ctx context.Context, d Downloader, hash string) error {
	local, err := s.project.ResolveLocal(hash)
	if err != nil {
		return err
	}
	remote, err := s.project.ResolveRemote(hash)
	if err != nil {
		return err
	}

	//nolint:gosec // G301: cache directories are shared with the viewer
	if err := os.MkdirAll(local.BaseDir, 0755); err != nil {
		return fmt.Errorf("create viewables dir: %w", err)
	}
	staging, err := os.MkdirTemp(local.BaseDir, ".staging-*")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	archive := filepath.Join(staging, "model-view.zip")
	err = transfer.All(ctx,
		func(ctx context.Context) error { return d.Download(ctx, remote.ModelView, archive) },
		func(ctx context.Context) error { return d.Download(ctx, remote.Parameters, local.Parameters) },
	)
	if err != nil {
		return err
	}

	if err := extractArchive(archive, local.SVFDir); err != nil {
		return fmt.Errorf("extract viewables of %s/%s: %w", s.project.Name, hash, err)
	}
	s.logger.DebugContext(ctx, "viewables placed", "project", s.project.Name, "hash", hash)
	return nil
}

// extractArchive unpacks the zip at src into dest, overwriting existing
// files. Entry names are taken as UTF-8.
func extractArchive(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close() //nolint:errcheck // read-only

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	//nolint:gosec // G301: cache directories are shared with the viewer
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}

	for _, f := range r.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return fmt.Errorf("entry %q escapes the target directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			//nolint:gosec // G301: see above
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	//nolint:gosec // G301: see extractArchive
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close() //nolint:errcheck // read-only

	//nolint:gosec // G302/G304: target is checked against the extraction root
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	//nolint:gosec // G110: archives come from our own bucket
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("write %s: %w", f.Name, err)
	}
	return out.Close()
}
