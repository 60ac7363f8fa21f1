package oss

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client implements Client using AWS S3.
// Chunk sessions map onto S3 multipart uploads.
type S3Client struct {
	client    *s3.Client
	presign   *s3.PresignClient
	region    string
	signedTTL time.Duration

	mu       sync.Mutex
	sessions map[string]*multipartSession
}

type multipartSession struct {
	key      string
	uploadID string
	parts    []types.CompletedPart
}

// S3ClientConfig holds configuration for S3Client.
type S3ClientConfig struct {
	Region    string
	Endpoint  string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	SignedTTL time.Duration
}

// NewS3Client creates a new S3-backed object store client.
func NewS3Client(ctx context.Context, cfg S3ClientConfig) (*S3Client, error) {
	// Load AWS config
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Create S3 client with optional custom endpoint
	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	client := s3.NewFromConfig(awsCfg, clientOpts)
	ttl := cfg.SignedTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	return &S3Client{
		client:    client,
		presign:   s3.NewPresignClient(client),
		region:    cfg.Region,
		signedTTL: ttl,
		sessions:  make(map[string]*multipartSession),
	}, nil
}

// CreateBucket creates the bucket. S3 has no retention policy on creation,
// so policy is not applied.
func (c *S3Client) CreateBucket(ctx context.Context, bucket string, policy Policy) (CreateResult, error) {
	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if c.region != "" && c.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(c.region),
		}
	}

	_, err := c.client.CreateBucket(ctx, in)
	if err == nil {
		return Created, nil
	}

	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return AlreadyExists, nil
	}
	return 0, &StorageProvisioningError{Bucket: bucket, Err: err}
}

func (c *S3Client) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectDetails, error) {
	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	var objects []ObjectDetails
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			objects = append(objects, ObjectDetails{
				BucketKey: bucket,
				ObjectID:  fmt.Sprintf("arn:aws:s3:::%s/%s", bucket, key),
				ObjectKey: key,
				Digest:    strings.Trim(aws.ToString(obj.ETag), `"`),
				Size:      aws.ToInt64(obj.Size),
				Location:  fmt.Sprintf("s3://%s/%s", bucket, key),
			})
		}
	}
	return objects, nil
}

func (c *S3Client) UploadObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("application/octet-stream"),
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := c.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3 put failed: %w", err)
	}
	return nil
}

// UploadChunk starts a multipart upload on the chunk at offset 0, uploads
// each chunk as the next part and completes the upload on the last byte.
func (c *S3Client) UploadChunk(ctx context.Context, bucket, key string, rng ContentRange, sessionID string, body io.Reader) error {
	sess, err := c.session(ctx, bucket, key, rng, sessionID)
	if err != nil {
		return err
	}

	partNumber := int32(len(sess.parts) + 1) //nolint:gosec // part count is bounded by S3 (10000)
	out, err := c.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(sess.uploadID),
		PartNumber:    aws.Int32(partNumber),
		ContentLength: aws.Int64(rng.Len()),
		Body:          body,
	})
	if err != nil {
		c.abort(bucket, sessionID, sess)
		return fmt.Errorf("s3 upload part %d failed: %w", partNumber, err)
	}
	sess.parts = append(sess.parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})

	if !rng.Last() {
		return nil
	}

	_, err = c.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(sess.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: sess.parts},
	})
	c.forget(sessionID)
	if err != nil {
		return fmt.Errorf("s3 complete multipart failed: %w", err)
	}
	return nil
}

func (c *S3Client) session(ctx context.Context, bucket, key string, rng ContentRange, sessionID string) (*multipartSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sess, ok := c.sessions[sessionID]; ok {
		if sess.key != key {
			return nil, fmt.Errorf("session %s belongs to %q", sessionID, sess.key)
		}
		return sess, nil
	}
	if rng.Begin != 0 {
		return nil, fmt.Errorf("session %s: unknown session for chunk %s", sessionID, rng)
	}

	out, err := c.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 create multipart failed: %w", err)
	}
	sess := &multipartSession{key: key, uploadID: aws.ToString(out.UploadId)}
	c.sessions[sessionID] = sess
	return sess, nil
}

func (c *S3Client) forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// AbortChunks aborts the multipart upload behind an unfinished session.
func (c *S3Client) AbortChunks(ctx context.Context, bucket, key, sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok || sess.key != key {
		return nil
	}
	c.abort(bucket, sessionID, sess)
	return nil
}

// abort is best-effort; S3 lifecycle rules collect what is left behind.
func (c *S3Client) abort(bucket, sessionID string, sess *multipartSession) {
	c.forget(sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, _ = c.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(sess.key),
		UploadId: aws.String(sess.uploadID),
	})
}

func (c *S3Client) DownloadObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	return result.Body, nil
}

func (c *S3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed for %s: %w", key, err)
	}
	return nil
}

func (c *S3Client) CreateSignedURL(ctx context.Context, bucket, key string) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(c.signedTTL))
	if err != nil {
		return "", fmt.Errorf("s3 presign failed for %s: %w", key, err)
	}
	return req.URL, nil
}
