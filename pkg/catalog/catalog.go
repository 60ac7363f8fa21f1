// Package catalog is the project-level surface over one bucket: listing
// projects, creating new ones through adoption and keeping local caches
// in sync.
package catalog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/helm/projsync/pkg/adoption"
	"github.com/Mindburn-Labs/helm/projsync/pkg/observability"
	"github.com/Mindburn-Labs/helm/projsync/pkg/oss"
	"github.com/Mindburn-Labs/helm/projsync/pkg/processing"
	"github.com/Mindburn-Labs/helm/projsync/pkg/project"
	"github.com/Mindburn-Labs/helm/projsync/pkg/store"
	"github.com/Mindburn-Labs/helm/projsync/pkg/transfer"
)

// ErrProjectExists is returned by Create when the name is taken.
var ErrProjectExists = errors.New("project already exists")

// DefaultConcurrency bounds how many projects List resolves at once.
const DefaultConcurrency = 4

// Config configures a Catalog.
type Config struct {
	Bucket      string
	CacheRoot   string
	ChunkSize   int64
	Concurrency int
}

// Resolver hands out a populated Storage for a project name.
type Resolver interface {
	Storage(ctx context.Context, name string) (*project.Storage, error)
}

// Summary describes one project as shown to users.
type Summary struct {
	Name             string `json:"name"`
	Hash             string `json:"hash"`
	TopLevelAssembly string `json:"tla"`
	Thumbnail        string `json:"thumbnail,omitempty"` // data URL
	SVFDir           string `json:"svf"`
}

// Catalog manages the projects stored in one bucket.
type Catalog struct {
	buckets   *oss.BucketManager
	processor processing.Processor
	journal   store.Journal
	cfg       Config
	logger    *slog.Logger
	obs       *observability.Provider
}

var _ Resolver = (*Catalog)(nil)

// Option configures a Catalog.
type Option func(*Catalog)

// WithJournal records adoption attempts.
func WithJournal(j store.Journal) Option {
	return func(c *Catalog) { c.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// WithObservability sets the telemetry provider.
func WithObservability(p *observability.Provider) Option {
	return func(c *Catalog) { c.obs = p }
}

// New creates a catalog for cfg.Bucket.
func New(client oss.Client, processor processing.Processor, cfg Config, opts ...Option) *Catalog {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = transfer.DefaultChunkSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	c := &Catalog{
		processor: processor,
		journal:   store.NewMemoryJournal(),
		cfg:       cfg,
		logger:    slog.Default(),
		obs:       observability.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.buckets = oss.NewBucketManager(client, c.logger)
	c.logger = c.logger.With("component", "catalog")
	return c
}

// open ensures the bucket exists and returns a transfer bound to it.
func (c *Catalog) open(ctx context.Context) (*oss.Bucket, *transfer.Transfer, error) {
	b, err := c.buckets.Open(ctx, c.cfg.Bucket, true)
	if err != nil {
		return nil, nil, err
	}
	t := transfer.New(b,
		transfer.WithChunkSize(c.cfg.ChunkSize),
		transfer.WithLogger(c.logger),
		transfer.WithObservability(c.obs),
	)
	return b, t, nil
}

// Storage returns the storage of the named project, downloading its
// cache first when the local metadata is missing.
func (c *Catalog) Storage(ctx context.Context, name string) (*project.Storage, error) {
	_, t, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	return c.storage(ctx, t, name, false)
}

func (c *Catalog) storage(ctx context.Context, t *transfer.Transfer, name string, refresh bool) (*project.Storage, error) {
	p, err := project.New(name, c.cfg.CacheRoot)
	if err != nil {
		return nil, err
	}
	s := project.NewStorage(p, project.WithStorageLogger(c.logger))

	_, statErr := os.Stat(p.MetadataPath())
	if refresh || errors.Is(statErr, fs.ErrNotExist) {
		if err := s.EnsureLocal(ctx, t); err != nil {
			return nil, err
		}
	}

	m, err := s.Metadata()
	if err != nil {
		return nil, err
	}
	p.TopLevelAssembly = m.TLA
	return s, nil
}

// List returns a summary of every project in the bucket. Projects that
// fail to resolve are logged and skipped.
func (c *Catalog) List(ctx context.Context) (_ []Summary, err error) {
	ctx, finish := c.obs.TrackOperation(ctx, "catalog.list", attribute.String("projsync.bucket", c.cfg.Bucket))
	defer func() { finish(err) }()

	b, t, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	objects, err := b.Objects(ctx, project.SourcePrefix)
	if err != nil {
		return nil, err
	}

	results := make([]*Summary, len(objects))
	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)
	for i, obj := range objects {
		name, ok := project.ToProjectName(obj.ObjectKey)
		if !ok {
			c.logger.WarnContext(ctx, "skipping source object without a valid project name", "key", obj.ObjectKey)
			continue
		}
		g.Go(func() error {
			s, err := c.storage(ctx, t, name, false)
			if err == nil {
				results[i], err = summarize(s)
			}
			if err != nil {
				c.logger.WarnContext(ctx, "skipping project", "project", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	summaries := make([]Summary, 0, len(results))
	for _, s := range results {
		if s != nil {
			summaries = append(summaries, *s)
		}
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries, nil
}

// CreateRequest carries a new project package.
type CreateRequest struct {
	// PackageName is the uploaded file name; the project is named after it.
	PackageName      string
	TopLevelAssembly string
	Package          io.Reader
}

// Create adopts a new project and populates its local cache. A structured
// processing rejection is returned as *processing.Failure.
func (c *Catalog) Create(ctx context.Context, req CreateRequest) (_ *Summary, err error) {
	p, err := project.New(project.NameFromPackage(req.PackageName), c.cfg.CacheRoot)
	if err != nil {
		return nil, err
	}
	p.TopLevelAssembly = req.TopLevelAssembly

	ctx, finish := c.obs.TrackOperation(ctx, "catalog.create", attribute.String("projsync.project", p.Name))
	defer func() { finish(err) }()

	b, t, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.checkConflict(ctx, b, p.Name); err != nil {
		return nil, err
	}

	staged, err := stage(req.Package)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(staged) }()

	coord := adoption.NewCoordinator(b, t, c.processor,
		adoption.WithJournal(c.journal),
		adoption.WithLogger(c.logger),
		adoption.WithObservability(c.obs),
	)
	out, err := coord.Adopt(ctx, adoption.Request{Project: p, PackagePath: staged})
	if err != nil {
		return nil, err
	}

	s, err := c.storage(ctx, t, p.Name, true)
	if err != nil {
		return nil, fmt.Errorf("project %s adopted as %s but local cache failed: %w", p.Name, out.AttemptID, err)
	}
	return summarize(s)
}

func (c *Catalog) checkConflict(ctx context.Context, b *oss.Bucket, name string) error {
	objects, err := b.Objects(ctx, project.SourcePrefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if existing, ok := project.ToProjectName(obj.ObjectKey); ok && existing == name {
			return fmt.Errorf("%w: %s", ErrProjectExists, name)
		}
	}
	return nil
}

// stage copies the package into a temporary file and returns its path.
func stage(pkg io.Reader) (string, error) {
	tmp, err := os.CreateTemp("", "projsync-package-*.zip")
	if err != nil {
		return "", fmt.Errorf("stage package: %w", err)
	}
	_, err = io.Copy(tmp, pkg)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("stage package: %w", err)
	}
	return tmp.Name(), nil
}

// Sync downloads the project's cache again, replacing local metadata and thumbnail.
func (c *Catalog) Sync(ctx context.Context, name string) (*Summary, error) {
	_, t, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	s, err := c.storage(ctx, t, name, true)
	if err != nil {
		return nil, err
	}
	return summarize(s)
}

// Viewables places the viewables of an explicit hash and returns their paths.
func (c *Catalog) Viewables(ctx context.Context, name, hash string) (project.LocalNames, error) {
	p, err := project.New(name, c.cfg.CacheRoot)
	if err != nil {
		return project.LocalNames{}, err
	}
	_, t, err := c.open(ctx)
	if err != nil {
		return project.LocalNames{}, err
	}
	if err := project.NewStorage(p).EnsureViewables(ctx, t, hash); err != nil {
		return project.LocalNames{}, err
	}
	return p.ResolveLocal(hash)
}

// Attempts returns the most recent adoption attempts of a project.
func (c *Catalog) Attempts(ctx context.Context, name string, limit int) ([]*store.Attempt, error) {
	return c.journal.ListByProject(ctx, name, limit)
}

func summarize(s *project.Storage) (*Summary, error) {
	m, err := s.Metadata()
	if err != nil {
		return nil, err
	}
	local, err := s.LocalNames()
	if err != nil {
		return nil, err
	}
	thumb, err := os.ReadFile(local.Thumbnail)
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	return &Summary{
		Name:             s.Project().Name,
		Hash:             m.Hash,
		TopLevelAssembly: m.TLA,
		Thumbnail:        "data:image/png;base64," + base64.StdEncoding.EncodeToString(thumb),
		SVFDir:           local.SVFDir,
	}, nil
}
