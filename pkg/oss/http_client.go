package oss

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/projsync/pkg/credentials"
)

// DefaultBaseURL is the public OSS endpoint.
const DefaultBaseURL = "https://developer.api.autodesk.com"

// HTTPClient implements Client against the OSS v2 REST API.
type HTTPClient struct {
	baseURL    string
	creds      credentials.Provider
	httpClient *http.Client
	signedTTL  time.Duration
	pageLimit  int
}

// HTTPClientConfig holds configuration for HTTPClient.
type HTTPClientConfig struct {
	BaseURL    string        // Optional, defaults to DefaultBaseURL
	HTTPClient *http.Client  // Optional, e.g. resiliency.NewClient
	SignedTTL  time.Duration // Optional, defaults to one hour
}

// NewHTTPClient creates a REST client authenticating with creds.
func NewHTTPClient(creds credentials.Provider, cfg HTTPClientConfig) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		creds:      creds,
		httpClient: cfg.HTTPClient,
		signedTTL:  cfg.SignedTTL,
		pageLimit:  100,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if c.signedTTL <= 0 {
		c.signedTTL = time.Hour
	}
	return c
}

type createBucketPayload struct {
	BucketKey string `json:"bucketKey"`
	PolicyKey Policy `json:"policyKey"`
}

type objectsPage struct {
	Items []ObjectDetails `json:"items"`
	Next  string          `json:"next"`
}

type signedRequest struct {
	MinutesExpiration int `json:"minutesExpiration"`
}

type signedResponse struct {
	SignedURL string `json:"signedUrl"`
}

func (c *HTTPClient) bucketURL(bucket string) string {
	return c.baseURL + "/oss/v2/buckets/" + url.PathEscape(bucket)
}

func (c *HTTPClient) objectURL(bucket, key string) string {
	return c.bucketURL(bucket) + "/objects/" + url.PathEscape(key)
}

func (c *HTTPClient) do(ctx context.Context, method, target string, body io.Reader, size int64, header http.Header) (*http.Response, error) {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil && size >= 0 {
		req.ContentLength = size
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &credentials.AuthenticationError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", strings.TrimSpace(string(b)), ErrNotFound)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
}

func (c *HTTPClient) CreateBucket(ctx context.Context, bucket string, policy Policy) (CreateResult, error) {
	payload, err := json.Marshal(createBucketPayload{BucketKey: bucket, PolicyKey: policy})
	if err != nil {
		return 0, err
	}
	hdr := http.Header{"Content-Type": {"application/json"}}
	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/oss/v2/buckets", bytes.NewReader(payload), int64(len(payload)), hdr)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return Created, nil
	case http.StatusConflict:
		return AlreadyExists, nil
	default:
		return 0, &StorageProvisioningError{Bucket: bucket, Err: statusError(resp)}
	}
}

// ListObjects follows the "next" links until the listing is exhausted.
func (c *HTTPClient) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectDetails, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(c.pageLimit))
	if prefix != "" {
		q.Set("beginsWith", prefix)
	}
	next := c.bucketURL(bucket) + "/objects?" + q.Encode()

	var objects []ObjectDetails
	for next != "" {
		page, err := c.listPage(ctx, next)
		if err != nil {
			return nil, err
		}
		objects = append(objects, page.Items...)
		next = page.Next
	}
	return objects, nil
}

func (c *HTTPClient) listPage(ctx context.Context, target string) (*objectsPage, error) {
	resp, err := c.do(ctx, http.MethodGet, target, nil, -1, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var page objectsPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode object listing: %w", err)
	}
	return &page, nil
}

func (c *HTTPClient) UploadObject(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	hdr := http.Header{"Content-Type": {"application/octet-stream"}}
	resp, err := c.do(ctx, http.MethodPut, c.objectURL(bucket, key), body, size, hdr)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

func (c *HTTPClient) UploadChunk(ctx context.Context, bucket, key string, rng ContentRange, sessionID string, body io.Reader) error {
	hdr := http.Header{
		"Content-Type":  {"application/octet-stream"},
		"Content-Range": {rng.String()},
		"Session-Id":    {sessionID},
	}
	resp, err := c.do(ctx, http.MethodPut, c.objectURL(bucket, key)+"/resumable", body, rng.Len(), hdr)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// 202 while the object is incomplete, 200 once the last chunk landed
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	return nil
}

func (c *HTTPClient) DownloadObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(bucket, key), nil, -1, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func (c *HTTPClient) DeleteObject(ctx context.Context, bucket, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(bucket, key), nil, -1, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

func (c *HTTPClient) CreateSignedURL(ctx context.Context, bucket, key string) (string, error) {
	payload, err := json.Marshal(signedRequest{MinutesExpiration: int(c.signedTTL / time.Minute)})
	if err != nil {
		return "", err
	}
	hdr := http.Header{"Content-Type": {"application/json"}}
	resp, err := c.do(ctx, http.MethodPost, c.objectURL(bucket, key)+"/signed?access=read", bytes.NewReader(payload), int64(len(payload)), hdr)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	var out signedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode signed url: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("signed url missing from response")
	}
	return out.SignedURL, nil
}
