// Package adoption runs the adopt workflow: upload a project's source
// package, have it processed through a signed URL, and publish the
// resulting metadata. Any failure deletes the uploaded source again.
package adoption

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm/projsync/pkg/observability"
	"github.com/Mindburn-Labs/helm/projsync/pkg/oss"
	"github.com/Mindburn-Labs/helm/projsync/pkg/processing"
	"github.com/Mindburn-Labs/helm/projsync/pkg/project"
	"github.com/Mindburn-Labs/helm/projsync/pkg/store"
)

// State is the position of an attempt in the workflow.
type State int

const (
	StateUploading State = iota
	StateUploaded
	StateProcessingRequested
	StateAdopted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUploading:
		return "uploading"
	case StateUploaded:
		return "uploaded"
	case StateProcessingRequested:
		return "processing-requested"
	case StateAdopted:
		return "adopted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition follows.
func (s State) Terminal() bool { return s == StateAdopted || s == StateFailed }

// Remote is the bucket surface the coordinator needs. *oss.Bucket implements it.
type Remote interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	Delete(ctx context.Context, key string) error
	SignedURL(ctx context.Context, key string) (string, error)
}

// Uploader sends a local file to a key. *transfer.Transfer implements it.
type Uploader interface {
	UploadFile(ctx context.Context, key, path string) error
}

// Request names the project to adopt and its staged package.
type Request struct {
	Project     *project.Project
	PackagePath string
}

// Outcome describes a finished attempt. State is StateAdopted or StateFailed.
type Outcome struct {
	AttemptID string
	State     State
	Metadata  *project.Metadata
	Failure   *processing.Failure
}

// Coordinator runs adoption attempts.
type Coordinator struct {
	remote    Remote
	uploader  Uploader
	processor processing.Processor
	journal   store.Journal
	logger    *slog.Logger
	obs       *observability.Provider
	newID     func() string
	now       func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithJournal records every attempt and its transitions.
func WithJournal(j store.Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l.With("component", "adoption") }
}

// WithObservability records a span and RED metrics per attempt.
func WithObservability(p *observability.Provider) Option {
	return func(c *Coordinator) { c.obs = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(remote Remote, uploader Uploader, processor processing.Processor, opts ...Option) *Coordinator {
	c := &Coordinator{
		remote:    remote,
		uploader:  uploader,
		processor: processor,
		journal:   store.NewMemoryJournal(),
		logger:    slog.Default().With("component", "adoption"),
		obs:       observability.Nop(),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// attempt carries one run through the state machine.
type attempt struct {
	req     Request
	out     *Outcome
	journal *store.Attempt
}

// Adopt uploads the package, requests processing and publishes the
// metadata. On failure the uploaded source is deleted before returning.
// A structured rejection is returned as *processing.Failure; the Outcome
// is non-nil in every case once the attempt has started.
func (c *Coordinator) Adopt(ctx context.Context, req Request) (out *Outcome, err error) {
	if req.Project == nil || req.PackagePath == "" {
		return nil, errors.New("adoption requires a project and a package path")
	}

	a := &attempt{
		req: req,
		out: &Outcome{AttemptID: c.newID(), State: StateUploading},
	}
	a.journal = &store.Attempt{
		ID:        a.out.AttemptID,
		Project:   req.Project.Name,
		State:     StateUploading.String(),
		StartedAt: c.now(),
	}
	c.record(ctx, a)

	ctx, finish := c.obs.TrackOperation(ctx, "adoption.adopt",
		observability.AdoptionOperation(req.Project.Name, a.out.AttemptID)...)
	defer func() { finish(err) }()

	md, err := c.run(ctx, a)
	if err != nil {
		return c.fail(ctx, a, err)
	}

	a.out.Metadata = md
	c.transition(ctx, a, StateAdopted)
	c.logger.InfoContext(ctx, "project adopted",
		"project", req.Project.Name, "attempt", a.out.AttemptID, "hash", md.Hash)
	return a.out, nil
}

func (c *Coordinator) run(ctx context.Context, a *attempt) (*project.Metadata, error) {
	p := a.req.Project
	key := p.SourceKey()

	if err := c.uploader.UploadFile(ctx, key, a.req.PackagePath); err != nil {
		return nil, err
	}
	c.transition(ctx, a, StateUploaded)

	url, err := c.remote.SignedURL(ctx, key)
	if err != nil {
		return nil, err
	}
	c.transition(ctx, a, StateProcessingRequested)

	md, err := c.processor.Process(ctx, processing.Request{
		Project:          p.Name,
		TopLevelAssembly: p.TopLevelAssembly,
		SourceURL:        url,
	})
	if err != nil {
		return nil, err
	}
	if md.TLA == "" {
		md.TLA = p.TopLevelAssembly
	}

	// Metadata is only published once processing succeeded.
	data, err := project.EncodeMetadata(md)
	if err != nil {
		return nil, err
	}
	if err := c.remote.Upload(ctx, p.MetadataKey(), bytes.NewReader(data), int64(len(data))); err != nil {
		return nil, err
	}
	return md, nil
}

// fail moves the attempt to StateFailed and compensates by deleting the source.
func (c *Coordinator) fail(ctx context.Context, a *attempt, cause error) (*Outcome, error) {
	key := a.req.Project.SourceKey()

	// Cleanup runs even when ctx was cancelled.
	cctx := context.WithoutCancel(ctx)
	if err := c.remote.Delete(cctx, key); err != nil && !errors.Is(err, oss.ErrNotFound) {
		c.logger.WarnContext(ctx, "compensating delete failed",
			"project", a.req.Project.Name, "attempt", a.out.AttemptID, "key", key, "error", err)
	}

	f, structured := processing.AsFailure(cause)
	if structured {
		a.out.Failure = f
		a.journal.Message = f.Message
		a.journal.ReportURL = f.ReportURL
	} else {
		a.journal.Message = cause.Error()
	}
	c.transition(cctx, a, StateFailed)

	c.logger.InfoContext(ctx, "adoption failed",
		"project", a.req.Project.Name, "attempt", a.out.AttemptID, "error", cause)
	if structured {
		return a.out, f
	}
	return a.out, fmt.Errorf("adopt %s: %w", a.req.Project.Name, cause)
}

func (c *Coordinator) transition(ctx context.Context, a *attempt, next State) {
	a.out.State = next
	a.journal.State = next.String()
	if next.Terminal() {
		a.journal.FinishedAt = c.now()
	}
	observability.AddSpanEvent(ctx, "adoption."+next.String())
	c.record(ctx, a)
}

// record is best effort; a journal outage never fails an adoption.
func (c *Coordinator) record(ctx context.Context, a *attempt) {
	if err := c.journal.Record(ctx, a.journal); err != nil {
		c.logger.WarnContext(ctx, "journal write failed", "attempt", a.out.AttemptID, "error", err)
	}
}
