// Package processing talks to the remote service that turns an uploaded
// package into viewables and metadata.
package processing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/projsync/pkg/credentials"
	"github.com/Mindburn-Labs/helm/projsync/pkg/project"
)

// Request asks for one package to be processed.
type Request struct {
	Project          string `json:"project"`
	TopLevelAssembly string `json:"tla"`
	SourceURL        string `json:"url"`
}

// Processor processes a package reachable at a signed URL.
// A structured rejection is returned as *Failure.
type Processor interface {
	Process(ctx context.Context, req Request) (*project.Metadata, error)
}

// Failure is a structured processing rejection with an optional report.
type Failure struct {
	Message   string `json:"message"`
	ReportURL string `json:"reportUrl,omitempty"`
}

func (f *Failure) Error() string {
	if f.ReportURL == "" {
		return "processing failed: " + f.Message
	}
	return fmt.Sprintf("processing failed: %s (report: %s)", f.Message, f.ReportURL)
}

// AsFailure returns the structured failure in err's chain, if any.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// HTTPProcessor calls the processing service over HTTP.
type HTTPProcessor struct {
	endpoint   string
	creds      credentials.Provider
	httpClient *http.Client
}

// NewHTTPProcessor creates a processor posting to baseURL + "/process".
// creds may be nil when the service is not authenticated.
func NewHTTPProcessor(baseURL string, creds credentials.Provider, httpClient *http.Client) *HTTPProcessor {
	if httpClient == nil {
		// Processing large assemblies takes minutes.
		httpClient = &http.Client{Timeout: 30 * time.Minute}
	}
	return &HTTPProcessor{
		endpoint:   strings.TrimRight(baseURL, "/") + "/process",
		creds:      creds,
		httpClient: httpClient,
	}
}

// Process posts req and maps the response: 200 carries metadata, 422 a Failure.
func (p *HTTPProcessor) Process(ctx context.Context, req Request) (*project.Metadata, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.creds != nil {
		token, err := p.creds.Token(ctx)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("processing request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read processing response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		m, err := project.DecodeMetadata(data)
		if err != nil {
			return nil, fmt.Errorf("processing response: %w", err)
		}
		return m, nil
	case http.StatusUnprocessableEntity:
		var f Failure
		if err := json.Unmarshal(data, &f); err != nil || f.Message == "" {
			return nil, fmt.Errorf("malformed processing failure (status %d): %s", resp.StatusCode, truncate(data))
		}
		return nil, &f
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &credentials.AuthenticationError{StatusCode: resp.StatusCode, Body: truncate(data)}
	default:
		return nil, fmt.Errorf("processing service returned status %d: %s", resp.StatusCode, truncate(data))
	}
}

func truncate(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
