package lastfm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/justestif/go-scrobblescope/internal/retry"
)

const (
	// DefaultBaseURL is the Last.fm REST endpoint.
	DefaultBaseURL = "http://ws.audioscrobbler.com/2.0/"
	userAgent      = "scrobblescope/1.0"

	// PageLimit is the number of scrobbles requested per history page.
	PageLimit = 200
)

// Last.fm API error codes.
const (
	errCodeInvalidParams = 6
	errCodeInvalidAPIKey = 10
	errCodeRateLimited   = 29
)

// Sentinel errors.
var (
	// ErrRateLimited is returned when Last.fm reports error 29 in the body.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidAPIKey is returned when the API key is invalid.
	ErrInvalidAPIKey = errors.New("invalid API key")

	// ErrUserNotFound is returned when the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// APIError is a Last.fm error code without a dedicated sentinel.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

// StatusError is a non-200 HTTP response that carried no API error body.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Client is a Last.fm API client. Each call performs exactly one request;
// retries are the caller's concern.
type Client struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithTransport sets the round tripper used for requests, typically the
// cache and rate limit chain.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.httpClient.Transport = rt
		}
	}
}

// WithBaseURL overrides the API endpoint, for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// NewClient creates a new Last.fm API client from the provided configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UserExists reports whether user has a Last.fm profile.
// A missing user yields (false, nil); other failures are returned as errors.
func (c *Client) UserExists(ctx context.Context, user string) (bool, error) {
	params := url.Values{
		"method":  {"user.getinfo"},
		"user":    {user},
		"format":  {"json"},
		"api_key": {c.apiKey},
	}

	body, err := c.doRequest(ctx, params)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetching user info: %w", err)
	}

	var resp userInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("parsing user info response: %w", err)
	}
	if resp.User.Name == "" {
		return false, errors.New("parsing user info response: missing user name")
	}
	return true, nil
}

// RecentTracks fetches one page of user's scrobbles played within [from, to].
func (c *Client) RecentTracks(ctx context.Context, user string, from, to time.Time, page int) (*RecentTracks, error) {
	params := url.Values{
		"method":  {"user.getrecenttracks"},
		"user":    {user},
		"format":  {"json"},
		"api_key": {c.apiKey},
		"from":    {strconv.FormatInt(from.Unix(), 10)},
		"to":      {strconv.FormatInt(to.Unix(), 10)},
		"limit":   {strconv.Itoa(PageLimit)},
		"page":    {strconv.Itoa(page)},
	}

	body, err := c.doRequest(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("fetching recent tracks page %d: %w", page, err)
	}

	var resp recentTracksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing recent tracks page %d: %w", page, err)
	}

	attr := resp.RecentTracks.Attr
	out := &RecentTracks{
		Page:       atoi(attr.Page),
		TotalPages: atoi(attr.TotalPages),
		Total:      atoi(attr.Total),
		Scrobbles:  make([]Scrobble, 0, len(resp.RecentTracks.Track)),
	}
	if out.Page == 0 {
		out.Page = page
	}
	for _, t := range resp.RecentTracks.Track {
		out.Scrobbles = append(out.Scrobbles, t.toScrobble())
	}
	return out, nil
}

// Cacheable reports whether body is a JSON object without an API error
// payload, i.e. a response worth memoizing.
func Cacheable(body []byte) bool {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return false
	}
	return apiErr.Error == 0
}

// doRequest performs a single HTTP GET request and classifies failures.
func (c *Client) doRequest(ctx context.Context, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &retry.RateLimitError{
			RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	// Check for API error in response
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != 0 {
		switch apiErr.Error {
		case errCodeRateLimited:
			return nil, ErrRateLimited
		case errCodeInvalidAPIKey:
			return nil, ErrInvalidAPIKey
		case errCodeInvalidParams:
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, apiErr.Message)
		default:
			return nil, &APIError{Code: apiErr.Error, Message: apiErr.Message}
		}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUserNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	return body, nil
}
