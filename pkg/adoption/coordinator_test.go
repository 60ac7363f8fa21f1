package adoption

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/projsync/pkg/oss"
	"github.com/Mindburn-Labs/helm/projsync/pkg/processing"
	"github.com/Mindburn-Labs/helm/projsync/pkg/project"
	"github.com/Mindburn-Labs/helm/projsync/pkg/store"
	"github.com/Mindburn-Labs/helm/projsync/pkg/transfer"
)

type fakeProcessor struct {
	calls int
	got   processing.Request
	md    *project.Metadata
	err   error
}

func (f *fakeProcessor) Process(_ context.Context, req processing.Request) (*project.Metadata, error) {
	f.calls++
	f.got = req
	return f.md, f.err
}

// failingDelete makes compensation fail.
type failingDelete struct{ *oss.Bucket }

func (failingDelete) Delete(context.Context, string) error { return errors.New("delete refused") }

type fixture struct {
	bucket  *oss.Bucket
	journal *store.MemoryJournal
	project *project.Project
	pkgPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, err := oss.NewFileClient(filepath.Join(t.TempDir(), "buckets"))
	require.NoError(t, err)
	bucket, err := oss.NewBucketManager(client, nil).Open(context.Background(), "projsync-test", true)
	require.NoError(t, err)

	p, err := project.New("Wrench", t.TempDir())
	require.NoError(t, err)
	p.TopLevelAssembly = "Wrench.iam"

	pkg := filepath.Join(t.TempDir(), "Wrench.zip")
	require.NoError(t, os.WriteFile(pkg, []byte("PK fake package"), 0o600))

	return &fixture{bucket: bucket, journal: store.NewMemoryJournal(), project: p, pkgPath: pkg}
}

func (f *fixture) coordinator(remote Remote, proc processing.Processor) *Coordinator {
	return NewCoordinator(remote, transfer.New(f.bucket), proc, WithJournal(f.journal))
}

func (f *fixture) exists(t *testing.T, key string) bool {
	t.Helper()
	rc, err := f.bucket.Download(context.Background(), key)
	if errors.Is(err, oss.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	_ = rc.Close()
	return true
}

func TestAdopt_Success(t *testing.T) {
	f := newFixture(t)
	proc := &fakeProcessor{md: &project.Metadata{Hash: "4BA9AF"}}
	ctx := context.Background()

	out, err := f.coordinator(f.bucket, proc).Adopt(ctx, Request{Project: f.project, PackagePath: f.pkgPath})
	require.NoError(t, err)

	assert.Equal(t, StateAdopted, out.State)
	assert.Equal(t, "4BA9AF", out.Metadata.Hash)
	assert.Equal(t, "Wrench.iam", out.Metadata.TLA)
	assert.Nil(t, out.Failure)

	assert.Equal(t, "Wrench", proc.got.Project)
	assert.Equal(t, "Wrench.iam", proc.got.TopLevelAssembly)
	signed, err := f.bucket.SignedURL(ctx, f.project.SourceKey())
	require.NoError(t, err)
	assert.Equal(t, signed, proc.got.SourceURL)

	assert.True(t, f.exists(t, f.project.SourceKey()))
	rc, err := f.bucket.Download(ctx, f.project.MetadataKey())
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	published, err := project.DecodeMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, out.Metadata, published)

	entry, err := f.journal.Get(ctx, out.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, "adopted", entry.State)
	assert.False(t, entry.FinishedAt.IsZero())
}

func TestAdopt_ProcessingFailureCompensates(t *testing.T) {
	f := newFixture(t)
	proc := &fakeProcessor{err: &processing.Failure{Message: "bad geometry", ReportURL: "https://reports.example/42"}}
	ctx := context.Background()

	out, err := f.coordinator(f.bucket, proc).Adopt(ctx, Request{Project: f.project, PackagePath: f.pkgPath})

	var failure *processing.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "bad geometry", failure.Message)
	assert.Equal(t, "https://reports.example/42", failure.ReportURL)

	require.NotNil(t, out)
	assert.Equal(t, StateFailed, out.State)
	assert.Same(t, failure, out.Failure)
	assert.Nil(t, out.Metadata)

	assert.False(t, f.exists(t, f.project.SourceKey()), "source must be deleted")
	assert.False(t, f.exists(t, f.project.MetadataKey()), "nothing may look adopted")

	entry, err := f.journal.Get(ctx, out.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, "failed", entry.State)
	assert.Equal(t, "bad geometry", entry.Message)
	assert.Equal(t, "https://reports.example/42", entry.ReportURL)
}

func TestAdopt_UnexpectedErrorIsGeneric(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("processing timed out")
	proc := &fakeProcessor{err: boom}

	out, err := f.coordinator(f.bucket, proc).Adopt(context.Background(), Request{Project: f.project, PackagePath: f.pkgPath})

	require.ErrorIs(t, err, boom)
	_, structured := processing.AsFailure(err)
	assert.False(t, structured)
	assert.Equal(t, StateFailed, out.State)
	assert.Nil(t, out.Failure)
	assert.False(t, f.exists(t, f.project.SourceKey()))
}

func TestAdopt_UploadFailureSkipsProcessing(t *testing.T) {
	f := newFixture(t)
	proc := &fakeProcessor{md: &project.Metadata{Hash: "abc"}}

	out, err := f.coordinator(f.bucket, proc).Adopt(context.Background(),
		Request{Project: f.project, PackagePath: filepath.Join(t.TempDir(), "missing.zip")})

	var te *oss.TransferError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateFailed, out.State)
	assert.Zero(t, proc.calls)
}

func TestAdopt_CompensationFailureIsNotEscalated(t *testing.T) {
	f := newFixture(t)
	proc := &fakeProcessor{err: &processing.Failure{Message: "bad geometry"}}

	out, err := f.coordinator(failingDelete{f.bucket}, proc).Adopt(context.Background(),
		Request{Project: f.project, PackagePath: f.pkgPath})

	var failure *processing.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, "bad geometry", failure.Message)
	assert.Equal(t, StateFailed, out.State)
}

func TestAdopt_RequiresProjectAndPackage(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator(f.bucket, &fakeProcessor{}).Adopt(context.Background(), Request{Project: f.project})
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "processing-requested", StateProcessingRequested.String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateUploaded.Terminal())
}
