//go:build gcp

package oss

import "context"

func newGCSClient(ctx context.Context, opts Options) (Client, error) {
	return NewGCSClient(ctx, GCSClientConfig{
		ProjectID:   opts.GCSProjectID,
		SignerEmail: opts.GCSSignerEmail,
		SignedTTL:   opts.SignedTTL,
	})
}
