// Package ratelimit throttles outbound calls per external service.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/justestif/go-scrobblescope/internal/retry"
)

// Service identifiers.
const (
	LastFM  = "lastfm"
	Spotify = "spotify"
)

// DefaultPerSecond is the default request rate for a service.
const DefaultPerSecond = 5

// Registry holds one token bucket per service. It is safe for concurrent use
// and meant to be shared by the whole process.
type Registry struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	perSecond map[string]int
	fallback  int
}

// Option configures a Registry.
type Option func(*Registry)

// WithRate sets the rate for one service (events per second, burst equal).
func WithRate(service string, perSecond int) Option {
	return func(r *Registry) {
		if perSecond > 0 {
			r.perSecond[service] = perSecond
		}
	}
}

// WithDefaultRate sets the rate used for services without an explicit rate.
func WithDefaultRate(perSecond int) Option {
	return func(r *Registry) {
		if perSecond > 0 {
			r.fallback = perSecond
		}
	}
}

// NewRegistry creates an empty registry. Limiters are created on first use.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		limiters:  make(map[string]*rate.Limiter),
		perSecond: make(map[string]int),
		fallback:  DefaultPerSecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Limiter returns the token bucket for service, creating it if needed.
func (r *Registry) Limiter(service string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[service]; ok {
		return l
	}
	n, ok := r.perSecond[service]
	if !ok {
		n = r.fallback
	}
	l := rate.NewLimiter(rate.Limit(n), n)
	r.limiters[service] = l
	return l
}

// Acquire blocks until service has a token available or ctx is done.
func (r *Registry) Acquire(ctx context.Context, service string) error {
	if err := r.Limiter(service).Wait(ctx); err != nil {
		return fmt.Errorf("waiting for %s rate limiter: %w", service, err)
	}
	return nil
}

// Transport acquires a token before every request and turns HTTP 429
// responses into *retry.RateLimitError.
type Transport struct {
	Registry *Registry
	Service  string
	Base     http.RoundTripper

	// Now is used to resolve date-valued Retry-After headers.
	Now func() time.Time
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.Registry.Acquire(req.Context(), t.Service); err != nil {
		return nil, err
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		now := time.Now
		if t.Now != nil {
			now = t.Now
		}
		after := retry.ParseRetryAfter(resp.Header.Get("Retry-After"), now())
		resp.Body.Close()
		return nil, &retry.RateLimitError{RetryAfter: after}
	}
	return resp, nil
}
