// Package project maps a project's name and content hash onto remote object
// keys and local cache paths, and keeps the local cache populated.
//
// Remote keys follow one convention: the source package lives at
// "projects-<name>.zip" and everything derived from it under "cache-<name>-...".
// Locally a project owns <cacheRoot>/<name>, with one subdirectory per hash.
package project

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	projectsFolder = "projects"
	cacheFolder    = "cache"
	sourceExt      = ".zip"

	metadataFile  = "metadata.json"
	thumbnailFile = "thumbnail.png"
	svfDir        = "SVF"
	paramsFile    = "parameters.json"
)

// SourcePrefix is the key prefix shared by all project source packages.
const SourcePrefix = projectsFolder + "-"

var (
	// ErrInvalidName is returned for names that cannot form keys or paths.
	ErrInvalidName = errors.New("invalid project name")
	// ErrInvalidHash is returned for hashes that cannot form keys or paths.
	ErrInvalidHash = errors.New("invalid hash")

	hashPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// Project identifies a project and the entry file of its package.
type Project struct {
	Name             string
	TopLevelAssembly string

	cacheRoot string
}

// New creates a project rooted in cacheRoot. The name is NFC-normalized.
func New(name, cacheRoot string) (*Project, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &Project{Name: name, cacheRoot: cacheRoot}, nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, r := range name {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// SourceKey is the object key of the uploaded package.
func (p *Project) SourceKey() string {
	return SourcePrefix + p.Name + sourceExt
}

// MetadataKey is the object key of the published metadata.
func (p *Project) MetadataKey() string {
	return p.cacheKey(metadataFile)
}

// ThumbnailKey is the object key of the thumbnail.
func (p *Project) ThumbnailKey() string {
	return p.cacheKey(thumbnailFile)
}

func (p *Project) cacheKey(suffix string) string {
	return cacheFolder + "-" + p.Name + "-" + suffix
}

// BaseDir is the project's local cache directory.
func (p *Project) BaseDir() string {
	return filepath.Join(p.cacheRoot, p.Name)
}

// MetadataPath is the local metadata file. Its presence marks the cache initialized.
func (p *Project) MetadataPath() string {
	return filepath.Join(p.BaseDir(), metadataFile)
}

// ThumbnailPath is the local thumbnail file.
func (p *Project) ThumbnailPath() string {
	return filepath.Join(p.BaseDir(), thumbnailFile)
}

// OSSNames are the remote keys of one hashed viewable set.
type OSSNames struct {
	ModelView  string
	Parameters string
}

// LocalNames are the local paths of one hashed viewable set, plus the
// project-level metadata and thumbnail files.
type LocalNames struct {
	BaseDir    string
	SVFDir     string
	Parameters string
	Metadata   string
	Thumbnail  string
}

// ResolveRemote returns the remote keys for hash. It does no I/O.
func (p *Project) ResolveRemote(hash string) (OSSNames, error) {
	if err := validateHash(hash); err != nil {
		return OSSNames{}, err
	}
	prefix := hash + "-"
	return OSSNames{
		ModelView:  p.cacheKey(prefix + "model-view.zip"),
		Parameters: p.cacheKey(prefix + paramsFile),
	}, nil
}

// ResolveLocal returns the local paths for hash. It does no I/O.
func (p *Project) ResolveLocal(hash string) (LocalNames, error) {
	if err := validateHash(hash); err != nil {
		return LocalNames{}, err
	}
	dir := filepath.Join(p.BaseDir(), hash)
	return LocalNames{
		BaseDir:    dir,
		SVFDir:     filepath.Join(dir, svfDir),
		Parameters: filepath.Join(dir, paramsFile),
		Metadata:   p.MetadataPath(),
		Thumbnail:  p.ThumbnailPath(),
	}, nil
}

func validateHash(hash string) error {
	if !hashPattern.MatchString(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

// ToProjectName extracts the project name from a source object key.
func ToProjectName(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, SourcePrefix)
	if !ok {
		return "", false
	}
	name := strings.TrimSuffix(rest, filepath.Ext(rest))
	if validateName(name) != nil {
		return "", false
	}
	return name, true
}

// NameFromPackage derives a project name from an uploaded package file name.
func NameFromPackage(filename string) string {
	base := filepath.Base(filepath.ToSlash(filename))
	return strings.TrimSuffix(base, filepath.Ext(base))
}
