package catalog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/projsync/pkg/oss"
	"github.com/Mindburn-Labs/helm/projsync/pkg/processing"
	"github.com/Mindburn-Labs/helm/projsync/pkg/project"
	"github.com/Mindburn-Labs/helm/projsync/pkg/store"
)

const bucketName = "projsync-test"

// fakeService stands in for the processing service: it writes the
// derived objects into the bucket and reports a hash.
type fakeService struct {
	t       *testing.T
	bucket  *oss.Bucket
	hash    string
	failure *processing.Failure
}

func (f *fakeService) Process(ctx context.Context, req processing.Request) (*project.Metadata, error) {
	if f.failure != nil {
		return nil, f.failure
	}
	p, err := project.New(req.Project, "")
	require.NoError(f.t, err)
	remote, err := p.ResolveRemote(f.hash)
	require.NoError(f.t, err)

	put := func(key string, data []byte) {
		require.NoError(f.t, f.bucket.Upload(ctx, key, bytes.NewReader(data), int64(len(data))))
	}
	put(p.ThumbnailKey(), []byte("png:"+req.Project))
	put(remote.Parameters, []byte(`{}`))
	put(remote.ModelView, modelView(f.t))
	return &project.Metadata{Hash: f.hash}, nil
}

func modelView(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("bubble.json")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("{}"))
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type fixture struct {
	catalog *Catalog
	bucket  *oss.Bucket
	service *fakeService
	journal *store.MemoryJournal
	cache   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, err := oss.NewFileClient(filepath.Join(t.TempDir(), "buckets"))
	require.NoError(t, err)
	bucket := oss.NewBucket(client, bucketName)
	svc := &fakeService{t: t, bucket: bucket, hash: "abc"}
	journal := store.NewMemoryJournal()
	cache := t.TempDir()

	cat := New(client, svc, Config{Bucket: bucketName, CacheRoot: cache, ChunkSize: 8}, WithJournal(journal))
	return &fixture{catalog: cat, bucket: bucket, service: svc, journal: journal, cache: cache}
}

func (f *fixture) create(t *testing.T, name string) (*Summary, error) {
	t.Helper()
	return f.catalog.Create(context.Background(), CreateRequest{
		PackageName:      name + ".zip",
		TopLevelAssembly: name + ".iam",
		Package:          strings.NewReader("package bytes for " + name),
	})
}

func TestCreateAndList(t *testing.T) {
	f := newFixture(t)

	sum, err := f.create(t, "Wrench")
	require.NoError(t, err)
	assert.Equal(t, "Wrench", sum.Name)
	assert.Equal(t, "abc", sum.Hash)
	assert.Equal(t, "Wrench.iam", sum.TopLevelAssembly)
	assert.True(t, strings.HasPrefix(sum.Thumbnail, "data:image/png;base64,"))
	assert.DirExists(t, sum.SVFDir)

	f.service.hash = "def"
	_, err = f.create(t, "Bolt")
	require.NoError(t, err)

	list, err := f.catalog.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Bolt", list[0].Name)
	assert.Equal(t, "def", list[0].Hash)
	assert.Equal(t, "Wrench", list[1].Name)
}

func TestCreate_RejectsExistingProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.create(t, "Wrench")
	require.NoError(t, err)

	_, err = f.create(t, "Wrench")
	assert.ErrorIs(t, err, ErrProjectExists)
}

func TestCreate_ProcessingFailure(t *testing.T) {
	f := newFixture(t)
	f.service.failure = &processing.Failure{Message: "bad geometry", ReportURL: "https://reports.example/7"}

	_, err := f.create(t, "Wrench")
	failure, ok := processing.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "bad geometry", failure.Message)

	objects, err := f.bucket.Objects(context.Background(), project.SourcePrefix)
	require.NoError(t, err)
	assert.Empty(t, objects, "source must be removed")

	list, err := f.catalog.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	attempts, err := f.catalog.Attempts(context.Background(), "Wrench", 10)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "failed", attempts[0].State)
	assert.Equal(t, "https://reports.example/7", attempts[0].ReportURL)
}

func TestCreate_RemovesStagedPackage(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	f := newFixture(t)

	_, err := f.create(t, "Wrench")
	require.NoError(t, err)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "projsync-package-"), "staged package left behind: %s", e.Name())
	}
}

func TestList_SkipsBrokenProjects(t *testing.T) {
	f := newFixture(t)
	_, err := f.create(t, "Wrench")
	require.NoError(t, err)

	// a source without any cache objects
	require.NoError(t, f.bucket.Upload(context.Background(), "projects-Broken.zip", strings.NewReader("x"), 1))

	list, err := f.catalog.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Wrench", list[0].Name)
}

func TestStorage_PopulatesMissingCache(t *testing.T) {
	f := newFixture(t)
	_, err := f.create(t, "Wrench")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(f.cache, "Wrench")))

	s, err := f.catalog.Storage(context.Background(), "Wrench")
	require.NoError(t, err)
	m, err := s.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "abc", m.Hash)
	assert.Equal(t, "Wrench.iam", s.Project().TopLevelAssembly)
}

func TestSync_RefreshesCache(t *testing.T) {
	f := newFixture(t)
	_, err := f.create(t, "Wrench")
	require.NoError(t, err)

	p, err := project.New("Wrench", f.cache)
	require.NoError(t, err)
	require.NoError(t, os.Remove(p.ThumbnailPath()))

	sum, err := f.catalog.Sync(context.Background(), "Wrench")
	require.NoError(t, err)
	assert.Equal(t, "abc", sum.Hash)
	assert.FileExists(t, p.ThumbnailPath())
}

func TestViewables_ExplicitHash(t *testing.T) {
	f := newFixture(t)
	_, err := f.create(t, "Wrench")
	require.NoError(t, err)

	local, err := f.catalog.Viewables(context.Background(), "Wrench", "abc")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(local.SVFDir, "bubble.json"))

	_, err = f.catalog.Viewables(context.Background(), "Wrench", "nope")
	assert.Error(t, err)
	var te *oss.TransferError
	assert.True(t, errors.As(err, &te))
}

func TestList_WarnsAboutUnnamedSources(t *testing.T) {
	f := newFixture(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, err := oss.NewFileClient(t.TempDir())
	require.NoError(t, err)
	cat := New(client, f.service, Config{Bucket: bucketName, CacheRoot: f.cache}, WithLogger(logger))
	bucket := oss.NewBucket(client, bucketName)
	ctx := context.Background()

	_, err = cat.List(ctx)
	require.NoError(t, err)
	require.NoError(t, bucket.Upload(ctx, "projects-.zip", strings.NewReader("x"), 1))

	list, err := cat.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Contains(t, logs.String(), "skipping source object")
	assert.Contains(t, logs.String(), "projects-.zip")
}

func TestStorage_RecoversFromFailedPopulate(t *testing.T) {
	f := newFixture(t)
	_, err := f.create(t, "Wrench")
	require.NoError(t, err)
	ctx := context.Background()

	p, err := project.New("Wrench", f.cache)
	require.NoError(t, err)
	remote, err := p.ResolveRemote("abc")
	require.NoError(t, err)
	archive := modelView(t)
	require.NoError(t, os.RemoveAll(p.BaseDir()))
	require.NoError(t, f.bucket.Delete(ctx, remote.ModelView))

	_, err = f.catalog.Storage(ctx, "Wrench")
	require.Error(t, err)
	assert.NoFileExists(t, p.MetadataPath())

	list, err := f.catalog.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "a half-populated project must not be listed")

	require.NoError(t, f.bucket.Upload(ctx, remote.ModelView, bytes.NewReader(archive), int64(len(archive))))

	s, err := f.catalog.Storage(ctx, "Wrench")
	require.NoError(t, err)
	local, err := s.LocalNames()
	require.NoError(t, err)
	assert.DirExists(t, local.SVFDir)

	list, err = f.catalog.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.DirExists(t, list[0].SVFDir)
}
