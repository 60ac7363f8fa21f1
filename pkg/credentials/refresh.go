package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// DefaultExpirySkew is how long before expiry a token is considered stale.
const DefaultExpirySkew = time.Minute

// Refreshing wraps an Exchanger and re-exchanges once the held token is
// within skew of its expiry. Tokens without an expiry are kept forever.
type Refreshing struct {
	src  Exchanger
	skew time.Duration
	now  func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
}

// NewRefreshing creates an expiry-aware provider.
func NewRefreshing(src Exchanger, skew time.Duration) *Refreshing {
	return &Refreshing{src: src, skew: skew, now: time.Now}
}

// WithClock replaces the clock (for testing).
func (r *Refreshing) WithClock(now func() time.Time) *Refreshing {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	return r
}

func (r *Refreshing) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != nil && !r.stale(r.token) {
		return r.token.AccessToken, nil
	}

	tok, err := r.src.Exchange(ctx)
	if err != nil {
		return "", err
	}
	r.token = tok
	return tok.AccessToken, nil
}

func (r *Refreshing) stale(tok *oauth2.Token) bool {
	if tok.Expiry.IsZero() {
		return false
	}
	return !r.now().Add(r.skew).Before(tok.Expiry)
}

// RedisTokenCache shares one token between processes. The token is stored
// under a per-client key with a TTL ending skew before the token expires.
type RedisTokenCache struct {
	client *redis.Client
	key    string
	src    Exchanger
	skew   time.Duration
	logger *slog.Logger
}

// NewRedisTokenCache creates a cache for the given client id.
func NewRedisTokenCache(client *redis.Client, clientID string, src Exchanger) *RedisTokenCache {
	return &RedisTokenCache{
		client: client,
		key:    fmt.Sprintf("projsync:token:%s", clientID),
		src:    src,
		skew:   DefaultExpirySkew,
		logger: slog.Default().With("component", "credentials"),
	}
}

func (c *RedisTokenCache) Token(ctx context.Context) (string, error) {
	cached, err := c.client.Get(ctx, c.key).Result()
	switch {
	case err == nil && cached != "":
		return cached, nil
	case err != nil && !errors.Is(err, redis.Nil):
		// cache outage falls back to a direct exchange
		c.logger.WarnContext(ctx, "token cache read failed", "error", err)
	}

	tok, err := c.src.Exchange(ctx)
	if err != nil {
		return "", err
	}

	if !tok.Expiry.IsZero() {
		if ttl := time.Until(tok.Expiry) - c.skew; ttl > 0 {
			if err := c.client.Set(ctx, c.key, tok.AccessToken, ttl).Err(); err != nil {
				c.logger.WarnContext(ctx, "token cache write failed", "error", err)
			}
		}
	}
	return tok.AccessToken, nil
}
