package processing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/projsync/pkg/credentials"
	"github.com/Mindburn-Labs/helm/projsync/pkg/project"
)

func processingServer(t *testing.T, status int, body string) (*httptest.Server, *Request) {
	t.Helper()
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/process", r.URL.Path)
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestHTTPProcessor_Success(t *testing.T) {
	srv, got := processingServer(t, http.StatusOK, `{"hash":"4BA9AF","tla":"Wrench.iam"}`)
	p := NewHTTPProcessor(srv.URL+"/", credentials.Static("svc-token"), nil)

	m, err := p.Process(context.Background(), Request{
		Project:          "Wrench",
		TopLevelAssembly: "Wrench.iam",
		SourceURL:        "https://signed.example/projects-Wrench.zip",
	})
	require.NoError(t, err)
	assert.Equal(t, &project.Metadata{Hash: "4BA9AF", TLA: "Wrench.iam"}, m)
	assert.Equal(t, "https://signed.example/projects-Wrench.zip", got.SourceURL)
	assert.Equal(t, "Wrench.iam", got.TopLevelAssembly)
}

func TestHTTPProcessor_StructuredFailure(t *testing.T) {
	srv, _ := processingServer(t, http.StatusUnprocessableEntity,
		`{"message":"bad geometry","reportUrl":"https://reports.example/1"}`)
	p := NewHTTPProcessor(srv.URL, credentials.Static("svc-token"), nil)

	_, err := p.Process(context.Background(), Request{Project: "Wrench"})
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, "bad geometry", f.Message)
	assert.Equal(t, "https://reports.example/1", f.ReportURL)
}

func TestHTTPProcessor_InvalidMetadataIsNotFailure(t *testing.T) {
	srv, _ := processingServer(t, http.StatusOK, `{"tla":"Wrench.iam"}`)
	p := NewHTTPProcessor(srv.URL, credentials.Static("svc-token"), nil)

	_, err := p.Process(context.Background(), Request{Project: "Wrench"})
	require.Error(t, err)
	_, ok := AsFailure(err)
	assert.False(t, ok)
}

func TestHTTPProcessor_ServerError(t *testing.T) {
	srv, _ := processingServer(t, http.StatusInternalServerError, "boom")
	p := NewHTTPProcessor(srv.URL, credentials.Static("svc-token"), nil)

	_, err := p.Process(context.Background(), Request{Project: "Wrench"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestHTTPProcessor_Unauthorized(t *testing.T) {
	srv, _ := processingServer(t, http.StatusUnauthorized, "expired")
	p := NewHTTPProcessor(srv.URL, credentials.Static("svc-token"), nil)

	_, err := p.Process(context.Background(), Request{Project: "Wrench"})
	var authErr *credentials.AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
}

func TestFailureError(t *testing.T) {
	assert.Equal(t, "processing failed: bad geometry", (&Failure{Message: "bad geometry"}).Error())
	assert.Contains(t, (&Failure{Message: "x", ReportURL: "https://r"}).Error(), "report: https://r")
}
