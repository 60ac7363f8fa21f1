package oss

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Mindburn-Labs/helm/projsync/pkg/credentials"
)

// Backend represents the type of object storage backend.
type Backend string

const (
	BackendOSS Backend = "oss"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
	BackendFS  Backend = "fs"
)

// Options selects and configures a backend for NewClient.
type Options struct {
	Backend   Backend
	SignedTTL time.Duration

	// oss
	BaseURL     string
	Credentials credentials.Provider
	HTTPClient  *http.Client

	// fs
	DataDir string

	// s3
	Region   string
	Endpoint string

	// gcs
	GCSProjectID   string
	GCSSignerEmail string
}

// NewClient creates the configured object store client.
func NewClient(ctx context.Context, opts Options) (Client, error) {
	switch opts.Backend {
	case BackendFS, "":
		dataDir := opts.DataDir
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileClient(filepath.Join(dataDir, "buckets"))
	case BackendOSS:
		if opts.Credentials == nil {
			return nil, fmt.Errorf("credentials are required for the oss backend")
		}
		return NewHTTPClient(opts.Credentials, HTTPClientConfig{
			BaseURL:    opts.BaseURL,
			HTTPClient: opts.HTTPClient,
			SignedTTL:  opts.SignedTTL,
		}), nil
	case BackendS3:
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Client(ctx, S3ClientConfig{Region: region, Endpoint: opts.Endpoint, SignedTTL: opts.SignedTTL})
	case BackendGCS:
		return newGCSClient(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", opts.Backend)
	}
}
