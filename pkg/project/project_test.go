package project

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", "Wrench", false},
		{"spaces trimmed", "  Wrench  ", false},
		{"empty", "", true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"control", "a\x00b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.input, "cache")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, strings.TrimSpace(tt.input), p.Name)
		})
	}
}

func TestNew_NormalizesToNFC(t *testing.T) {
	decomposed := "Cafe\u0301"
	p, err := New(decomposed, "cache")
	require.NoError(t, err)
	assert.Equal(t, "Caf\u00e9", p.Name)
	assert.Equal(t, "projects-Caf\u00e9.zip", p.SourceKey())
}

func TestObjectNames(t *testing.T) {
	p, err := New("Wrench", "LocalCache")
	require.NoError(t, err)

	assert.Equal(t, "projects-Wrench.zip", p.SourceKey())
	assert.Equal(t, "cache-Wrench-metadata.json", p.MetadataKey())
	assert.Equal(t, "cache-Wrench-thumbnail.png", p.ThumbnailKey())

	remote, err := p.ResolveRemote("abc")
	require.NoError(t, err)
	assert.Equal(t, OSSNames{
		ModelView:  "cache-Wrench-abc-model-view.zip",
		Parameters: "cache-Wrench-abc-parameters.json",
	}, remote)

	local, err := p.ResolveLocal("abc")
	require.NoError(t, err)
	assert.Equal(t, LocalNames{
		BaseDir:    filepath.Join("LocalCache", "Wrench", "abc"),
		SVFDir:     filepath.Join("LocalCache", "Wrench", "abc", "SVF"),
		Parameters: filepath.Join("LocalCache", "Wrench", "abc", "parameters.json"),
		Metadata:   filepath.Join("LocalCache", "Wrench", "metadata.json"),
		Thumbnail:  filepath.Join("LocalCache", "Wrench", "thumbnail.png"),
	}, local)
}

func TestDistinctHashesDoNotCollide(t *testing.T) {
	p, err := New("Wrench", "LocalCache")
	require.NoError(t, err)

	abcRemote, _ := p.ResolveRemote("abc")
	xyzRemote, _ := p.ResolveRemote("xyz")
	assert.NotEqual(t, abcRemote.ModelView, xyzRemote.ModelView)
	assert.NotEqual(t, abcRemote.Parameters, xyzRemote.Parameters)

	abc, _ := p.ResolveLocal("abc")
	xyz, _ := p.ResolveLocal("xyz")
	for _, a := range []string{abc.BaseDir, abc.SVFDir, abc.Parameters} {
		for _, x := range []string{xyz.BaseDir, xyz.SVFDir, xyz.Parameters} {
			rel, err := filepath.Rel(x, a)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(rel, ".."), "%s lies inside %s", a, x)
		}
	}
}

func TestResolve_RejectsBadHash(t *testing.T) {
	p, err := New("Wrench", "LocalCache")
	require.NoError(t, err)

	for _, h := range []string{"", "..", "a/b", "a-b"} {
		_, err := p.ResolveLocal(h)
		assert.True(t, errors.Is(err, ErrInvalidHash), "hash %q", h)
		_, err = p.ResolveRemote(h)
		assert.True(t, errors.Is(err, ErrInvalidHash), "hash %q", h)
	}
}

func TestToProjectName(t *testing.T) {
	name, ok := ToProjectName("projects-Wrench.zip")
	assert.True(t, ok)
	assert.Equal(t, "Wrench", name)

	name, ok = ToProjectName("projects-my-project.v2.zip")
	assert.True(t, ok)
	assert.Equal(t, "my-project.v2", name)

	_, ok = ToProjectName("cache-Wrench-metadata.json")
	assert.False(t, ok)
	_, ok = ToProjectName("projects-.zip")
	assert.False(t, ok)
}

func TestNameFromPackage(t *testing.T) {
	assert.Equal(t, "Wrench", NameFromPackage("/tmp/uploads/Wrench.zip"))
	assert.Equal(t, "Wrench", NameFromPackage("Wrench.zip"))
}

func TestDecodeMetadata(t *testing.T) {
	m, err := DecodeMetadata([]byte(`{"hash":"4BA9AF","tla":"Wrench.iam"}`))
	require.NoError(t, err)
	assert.Equal(t, &Metadata{Hash: "4BA9AF", TLA: "Wrench.iam"}, m)

	_, err = DecodeMetadata([]byte(`{"tla":"Wrench.iam"}`))
	assert.Error(t, err, "hash is required")

	_, err = DecodeMetadata([]byte(`{"hash":"../x"}`))
	assert.Error(t, err)

	_, err = DecodeMetadata([]byte(`not json`))
	assert.Error(t, err)

	data, err := EncodeMetadata(m)
	require.NoError(t, err)
	again, err := DecodeMetadata(data)
	require.NoError(t, err)
	assert.Equal(t, m, again)
}
