//go:build !gcp

package oss

import (
	"context"
	"fmt"
)

func newGCSClient(ctx context.Context, opts Options) (Client, error) {
	return nil, fmt.Errorf("GCS storage is not enabled in this build (use -tags gcp)")
}
