// Package auth provides the process-wide Spotify client-credentials token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiryMargin is how long before its expiry a token is refreshed.
const DefaultExpiryMargin = 30 * time.Second

// TokenFunc fetches a fresh token.
type TokenFunc func(ctx context.Context) (*oauth2.Token, error)

// TokenCache holds the current app token in memory and refreshes it when it
// is about to expire. It implements oauth2.TokenSource and is safe for
// concurrent use; concurrent callers share one refresh.
type TokenCache struct {
	mu     sync.Mutex
	fetch  TokenFunc
	token  *oauth2.Token
	margin time.Duration
	now    func() time.Time
}

// CacheOption configures a TokenCache.
type CacheOption func(*TokenCache)

// WithExpiryMargin sets how early tokens are refreshed.
func WithExpiryMargin(d time.Duration) CacheOption {
	return func(c *TokenCache) {
		if d >= 0 {
			c.margin = d
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *TokenCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewTokenCache creates a TokenCache backed by fetch.
func NewTokenCache(fetch TokenFunc, opts ...CacheOption) *TokenCache {
	c := &TokenCache{
		fetch:  fetch,
		margin: DefaultExpiryMargin,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the cached token, fetching a new one if needed.
func (c *TokenCache) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return c.TokenContext(ctx)
}

// TokenContext is Token with caller-controlled cancellation.
func (c *TokenCache) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid() {
		return c.token, nil
	}

	token, err := c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching access token: %w", err)
	}
	if token == nil || token.AccessToken == "" {
		return nil, errors.New("fetching access token: empty token")
	}

	c.token = token
	return token, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

func (c *TokenCache) valid() bool {
	if c.token == nil || c.token.AccessToken == "" {
		return false
	}
	if c.token.Expiry.IsZero() {
		return true
	}
	return c.now().Add(c.margin).Before(c.token.Expiry)
}
