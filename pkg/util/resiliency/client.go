package resiliency

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Options tunes a Transport. The zero value disables retries and rate limiting.
type Options struct {
	// MaxRetries applies to idempotent requests without a body only.
	MaxRetries        int
	RequestsPerSecond float64
	Burst             int
	BreakerThreshold  int
	BreakerReset      time.Duration
	Timeout           time.Duration
}

// Transport wraps an http.RoundTripper with resilience patterns:
// - Client-side rate limiting
// - Circuit Breaking
// - Exponential Backoff & Jitter for idempotent requests
// - Trace context injection
type Transport struct {
	base       http.RoundTripper
	maxRetries int
	breaker    *CircuitBreaker
	limiter    *rate.Limiter
	sleep      func(time.Duration)
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, opts Options) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	threshold := opts.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	reset := opts.BreakerReset
	if reset <= 0 {
		reset = 10 * time.Second
	}

	t := &Transport{
		base:       base,
		maxRetries: opts.MaxRetries,
		breaker:    NewCircuitBreaker("default", threshold, reset),
		sleep:      time.Sleep,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return t
}

// NewClient returns an http.Client backed by a Transport.
func NewClient(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &http.Client{Transport: NewTransport(nil, opts), Timeout: timeout}
}

// RoundTrip executes an HTTP request with resiliency patterns.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	// 1. Trace Injection (W3C Trace Context)
	req = req.Clone(req.Context())
	if req.Header.Get("traceparent") == "" {
		req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", newTraceID()))
	}

	// 2. Circuit Breaker Check
	if !t.breaker.Allow() {
		closeBody(req)
		return nil, fmt.Errorf("circuit breaker open for %s", t.breaker.name)
	}

	// 3. Rate limit
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			closeBody(req)
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	retries := 0
	if retryable(req) {
		retries = t.maxRetries
	}

	var resp *http.Response
	var err error

	// 4. Retry Loop with Exponential Backoff + Jitter
	for i := 0; i <= retries; i++ {
		resp, err = t.base.RoundTrip(req)

		// Success
		if err == nil && resp.StatusCode < 500 {
			t.breaker.Success()
			return resp, nil
		}

		// Failure - Check if we should retry
		if i == retries {
			break
		}
		if resp != nil {
			_ = resp.Body.Close()
		}

		// Calculate backoff: base * 2^i + jitter
		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		t.sleep(backoff + jitter)
	}

	// 5. Record Failure
	t.breaker.Failure()
	return resp, err
}

// closeBody honours the RoundTripper contract on early returns.
func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

func retryable(req *http.Request) bool {
	if req.Body != nil && req.Body != http.NoBody {
		return false
	}
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}

func newTraceID() string {
	var traceBytes [16]byte
	if _, err := rand.Read(traceBytes[:]); err == nil {
		return hex.EncodeToString(traceBytes[:])
	}
	// Best-effort fallback if the system RNG fails.
	return fmt.Sprintf("%032x", time.Now().UnixNano())
}

// CircuitBreaker implements a simple state machine for failure detection.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = "CLOSED"
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}

// State reports the breaker state.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
