package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Response is a stored successful GET response.
type Response struct {
	Header http.Header
	Body   []byte
}

// Transport serves repeated GET requests from a TTL cache. Only 200 responses
// are stored; everything else passes through untouched.
type Transport struct {
	Cache *TTL[string, Response]
	Base  http.RoundTripper

	// Valid reports whether a 200 body may be stored. A rejected body is
	// still returned to the caller, so the next retry reaches the network.
	// Nil stores every 200.
	Valid func(body []byte) bool
}

// NewTransport wraps base with a response cache built from opts.
func NewTransport(base http.RoundTripper, opts ...Option) *Transport {
	return &Transport{Cache: New[string, Response](opts...), Base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if req.Method != http.MethodGet || t.Cache == nil {
		return base.RoundTrip(req)
	}

	key := RequestKey(req)
	if hit, ok := t.Cache.Get(key); ok {
		return hit.toHTTP(req), nil
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	stored := Response{Header: resp.Header.Clone(), Body: body}
	if t.Valid == nil || t.Valid(body) {
		t.Cache.Put(key, stored)
	}
	return stored.toHTTP(req), nil
}

// RequestKey returns the cache key for req: scheme, host and path followed by
// the sorted query parameters.
func RequestKey(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	u.Fragment = ""
	return Key(u.String(), req.URL.Query())
}

func (r Response) toHTTP(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Request:       req,
	}
}
