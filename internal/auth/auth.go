package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenURL is Spotify's accounts service token endpoint.
const DefaultTokenURL = "https://accounts.spotify.com/api/token"

// ErrMissingCredentials is returned when the Spotify client id or secret is not set.
var ErrMissingCredentials = errors.New("missing Spotify client credentials (SPOTIFY_CLIENT_ID, SPOTIFY_CLIENT_SECRET)")

// Config holds Spotify app credentials.
type Config struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
	TokenURL     string `koanf:"token_url"`
}

// Validate returns ErrMissingCredentials if either credential is empty.
func (c Config) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// New returns a token cache that obtains app tokens with the client
// credentials grant. Token requests go through httpClient when it is non-nil.
func New(cfg Config, httpClient *http.Client, opts ...CacheOption) *TokenCache {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	fetch := func(ctx context.Context) (*oauth2.Token, error) {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		return cc.Token(ctx)
	}
	return NewTokenCache(fetch, opts...)
}

// Client returns an HTTP client that authorizes every request with a token
// from src and sends it through base.
func Client(src oauth2.TokenSource, base http.RoundTripper, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: base},
		Timeout:   timeout,
	}
}
