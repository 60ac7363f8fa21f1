// Package credentials - two-legged OAuth token acquisition for the object store.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultScopes are requested on every client-credentials exchange.
var DefaultScopes = []string{"data:read", "bucket:create", "bucket:read"}

// Provider hands out the bearer token attached to every remote call.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// Exchanger performs a fresh token exchange. Decorators use it to refresh.
type Exchanger interface {
	Exchange(ctx context.Context) (*oauth2.Token, error)
}

// AuthenticationError is returned when the token exchange did not succeed,
// or when a remote call rejected the bearer token.
type AuthenticationError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("authentication failed (HTTP %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ClientCredentials exchanges a client id/secret for a token once and keeps
// it for the lifetime of the instance. It never refreshes; wrap it with
// Refreshing or RedisTokenCache when the process outlives a token.
type ClientCredentials struct {
	cfg        clientcredentials.Config
	httpClient *http.Client
	logger     *slog.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

// Option configures a ClientCredentials provider.
type Option func(*ClientCredentials)

// WithHTTPClient sets the client used for the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(cc *ClientCredentials) { cc.httpClient = c }
}

// WithScopes overrides DefaultScopes.
func WithScopes(scopes ...string) Option {
	return func(cc *ClientCredentials) { cc.cfg.Scopes = scopes }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cc *ClientCredentials) { cc.logger = l }
}

// NewClientCredentials creates a provider for the given token endpoint.
func NewClientCredentials(clientID, clientSecret, tokenURL string, opts ...Option) *ClientCredentials {
	cc := &ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       DefaultScopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default().With("component", "credentials"),
	}
	for _, opt := range opts {
		opt(cc)
	}
	return cc
}

// Token returns the cached access token, performing the exchange on first use.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != nil {
		return c.token.AccessToken, nil
	}

	tok, err := c.Exchange(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	return tok.AccessToken, nil
}

// Exchange performs a client-credentials grant without touching the cache.
func (c *ClientCredentials) Exchange(ctx context.Context) (*oauth2.Token, error) {
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	tok, err := c.cfg.Token(ctx)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return nil, &AuthenticationError{StatusCode: re.Response.StatusCode, Body: string(re.Body), Err: err}
		}
		return nil, &AuthenticationError{Err: err}
	}
	if tok.AccessToken == "" {
		return nil, &AuthenticationError{Err: errors.New("token endpoint returned an empty access token")}
	}

	if tok.Expiry.IsZero() {
		if exp, ok := tokenExpiry(tok.AccessToken); ok {
			tok.Expiry = exp
		}
	}

	c.logger.DebugContext(ctx, "token acquired", "expiry", tok.Expiry)
	return tok, nil
}

// tokenExpiry reads the exp claim of a JWT access token. Opaque tokens yield false.
func tokenExpiry(raw string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Static is a Provider returning a fixed token. Useful for pre-signed setups and tests.
type Static string

func (s Static) Token(context.Context) (string, error) { return string(s), nil }
