package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTokenServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "id", r.PostForm.Get("client_id"))
		assert.Equal(t, "data:read bucket:create bucket:read", r.PostForm.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestClientCredentials_MemoizesToken(t *testing.T) {
	srv, calls := newTokenServer(t, http.StatusOK, `{"access_token":"abc","token_type":"Bearer","expires_in":3599}`)
	cc := NewClientCredentials("id", "secret", srv.URL)

	ctx := context.Background()
	first, err := cc.Token(ctx)
	require.NoError(t, err)
	second, err := cc.Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, "abc", first)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
}

func TestClientCredentials_ConcurrentCallersShareOneExchange(t *testing.T) {
	srv, calls := newTokenServer(t, http.StatusOK, `{"access_token":"abc","token_type":"Bearer"}`)
	cc := NewClientCredentials("id", "secret", srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cc.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "abc", tok)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
}

func TestClientCredentials_FailureIsAuthenticationError(t *testing.T) {
	srv, _ := newTokenServer(t, http.StatusUnauthorized, `{"error":"invalid_client"}`)
	cc := NewClientCredentials("id", "secret", srv.URL)

	_, err := cc.Token(context.Background())
	require.Error(t, err)

	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Contains(t, authErr.Body, "invalid_client")
}

func TestClientCredentials_FailureIsNotCached(t *testing.T) {
	srv, calls := newTokenServer(t, http.StatusInternalServerError, `{}`)
	cc := NewClientCredentials("id", "secret", srv.URL)

	_, err := cc.Token(context.Background())
	require.Error(t, err)
	_, err = cc.Token(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestClientCredentials_ExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	srv, _ := newTokenServer(t, http.StatusOK, `{"access_token":"`+raw+`","token_type":"Bearer"}`)
	cc := NewClientCredentials("id", "secret", srv.URL)

	tok, err := cc.Exchange(context.Background())
	require.NoError(t, err)
	assert.True(t, tok.Expiry.Equal(exp), "expiry %v, want %v", tok.Expiry, exp)
}

func TestTokenExpiry_OpaqueToken(t *testing.T) {
	_, ok := tokenExpiry("not-a-jwt")
	assert.False(t, ok)
}

type fakeExchanger struct {
	calls  int
	expiry time.Time
}

func (f *fakeExchanger) Exchange(context.Context) (*oauth2.Token, error) {
	f.calls++
	return &oauth2.Token{AccessToken: "tok-" + string(rune('0'+f.calls)), Expiry: f.expiry}, nil
}

func TestRefreshing_ReExchangesNearExpiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeExchanger{expiry: now.Add(10 * time.Minute)}
	r := NewRefreshing(src, time.Minute).WithClock(func() time.Time { return now })

	tok, err := r.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	r.WithClock(func() time.Time { return now.Add(5 * time.Minute) })
	tok, err = r.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	r.WithClock(func() time.Time { return now.Add(9*time.Minute + 30*time.Second) })
	tok, err = r.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, 2, src.calls)
}

func TestRefreshing_KeepsTokenWithoutExpiry(t *testing.T) {
	src := &fakeExchanger{}
	r := NewRefreshing(src, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := r.Token(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, src.calls)
}

// TestRedisTokenCache_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisTokenCache_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	src := &fakeExchanger{expiry: time.Now().Add(10 * time.Minute)}
	cache := NewRedisTokenCache(client, "projsync-test-client", src)
	_ = client.Del(ctx, cache.key).Err()
	t.Cleanup(func() { _ = client.Del(ctx, cache.key).Err() })

	first, err := cache.Token(ctx)
	require.NoError(t, err)
	second, err := NewRedisTokenCache(client, "projsync-test-client", src).Token(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)
}
