package spotify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/zmb3/spotify/v2"

	"github.com/justestif/go-scrobblescope/internal/ratelimit"
	"github.com/justestif/go-scrobblescope/internal/retry"
)

const searchHit = `{
  "albums": {
    "href": "https://api.spotify.com/v1/search",
    "items": [
      {
        "id": "alb1",
        "name": "Abbey Road (Remastered)",
        "release_date": "1969-09-26",
        "release_date_precision": "day",
        "images": [{"url": "https://img/large.jpg", "height": 640, "width": 640}, {"url": "https://img/small.jpg", "height": 64, "width": 64}]
      }
    ],
    "limit": 1, "offset": 0, "total": 1
  }
}`

const searchEmpty = `{"albums": {"items": [], "limit": 1, "offset": 0, "total": 0}}`

const severalAlbums = `{
  "albums": [
    {
      "id": "alb1",
      "name": "Abbey Road",
      "release_date": "1969-09-26",
      "images": [{"url": "https://img/full.jpg"}],
      "tracks": {"items": [
        {"name": "Come Together", "duration_ms": 259946},
        {"name": "Something", "duration_ms": 182293}
      ]}
    },
    null
  ]
}`

func newTestClient(server *httptest.Server, rt http.RoundTripper) *Client {
	httpClient := server.Client()
	if rt != nil {
		httpClient = &http.Client{Transport: rt}
	}
	return NewWithHTTPClient(httpClient, server.URL+"/")
}

func TestSearchAlbum(t *testing.T) {
	var gotQuery atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %s, want /search", r.URL.Path)
		}
		q := r.URL.Query()
		gotQuery.Store(q.Get("q") + "|" + q.Get("type") + "|" + q.Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchHit))
	}))
	defer server.Close()

	album, err := newTestClient(server, nil).SearchAlbum(context.Background(), ExactQuery("the beatles", "abbey road"))
	if err != nil {
		t.Fatalf("SearchAlbum() error = %v", err)
	}
	if album == nil {
		t.Fatal("SearchAlbum() returned nil album")
	}

	if album.ID != "alb1" {
		t.Errorf("ID = %q, want alb1", album.ID)
	}
	if album.ReleaseDate != "1969-09-26" {
		t.Errorf("ReleaseDate = %q, want 1969-09-26", album.ReleaseDate)
	}
	if album.CoverArtURL != "https://img/large.jpg" {
		t.Errorf("CoverArtURL = %q, want first image", album.CoverArtURL)
	}
	if got := gotQuery.Load(); got != "artist:the beatles album:abbey road|album|1" {
		t.Errorf("query = %v", got)
	}
}

func TestSearchAlbum_NoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(searchEmpty))
	}))
	defer server.Close()

	album, err := newTestClient(server, nil).SearchAlbum(context.Background(), "nothing here")
	if err != nil {
		t.Fatalf("SearchAlbum() error = %v", err)
	}
	if album != nil {
		t.Errorf("SearchAlbum() = %+v, want nil", album)
	}
}

func TestSearchAlbum_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": {"status": 500, "message": "boom"}}`))
	}))
	defer server.Close()

	if _, err := newTestClient(server, nil).SearchAlbum(context.Background(), "x"); err == nil {
		t.Fatal("SearchAlbum() expected error, got nil")
	}
}

func TestSearchAlbum_RateLimitedThroughTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	rt := &ratelimit.Transport{Registry: ratelimit.NewRegistry(), Service: ratelimit.Spotify}
	_, err := newTestClient(server, rt).SearchAlbum(context.Background(), "x")

	var rl *retry.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("SearchAlbum() error = %v, want *retry.RateLimitError", err)
	}
	if rl.RetryAfter.Seconds() != 3 {
		t.Errorf("RetryAfter = %v, want 3s", rl.RetryAfter)
	}
}

func TestAlbums(t *testing.T) {
	var gotIDs atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/albums" {
			t.Errorf("path = %s, want /albums", r.URL.Path)
		}
		gotIDs.Store(r.URL.Query().Get("ids"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(severalAlbums))
	}))
	defer server.Close()

	details, err := newTestClient(server, nil).Albums(context.Background(), []string{"alb1", "missing"})
	if err != nil {
		t.Fatalf("Albums() error = %v", err)
	}

	if got := gotIDs.Load(); got != "alb1,missing" {
		t.Errorf("ids = %v, want alb1,missing", got)
	}
	if len(details) != 1 {
		t.Fatalf("got %d albums, want 1 (null entries skipped)", len(details))
	}

	d := details[0]
	if d.ID != "alb1" || d.CoverArtURL != "https://img/full.jpg" {
		t.Errorf("album = %+v", d.Album)
	}
	if len(d.Tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(d.Tracks))
	}
	if d.Tracks[0].Name != "Come Together" || d.Tracks[0].DurationMs != 259946 {
		t.Errorf("track[0] = %+v", d.Tracks[0])
	}
}

func TestAlbums_Limits(t *testing.T) {
	c := New(spotify.New(http.DefaultClient))

	got, err := c.Albums(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("Albums(nil) = %v, %v; want nil, nil", got, err)
	}

	ids := strings.Split(strings.Repeat("x,", MaxAlbumsPerRequest+1), ",")[:MaxAlbumsPerRequest+1]
	if _, err := c.Albums(context.Background(), ids); err == nil {
		t.Error("Albums() with too many ids expected error, got nil")
	}
}

func TestQueries(t *testing.T) {
	if got := ExactQuery("radiohead", "ok computer"); got != "artist:radiohead album:ok computer" {
		t.Errorf("ExactQuery() = %q", got)
	}
	if got := RelaxedQuery("radiohead", "ok computer"); got != "radiohead ok computer" {
		t.Errorf("RelaxedQuery() = %q", got)
	}
}

func TestConvertAlbum_NoImages(t *testing.T) {
	got := convertAlbum(spotify.SimpleAlbum{ID: "a", Name: "n", ReleaseDate: "2001"})
	if got.CoverArtURL != "" {
		t.Errorf("CoverArtURL = %q, want empty", got.CoverArtURL)
	}
	if got.ReleaseDate != "2001" {
		t.Errorf("ReleaseDate = %q, want 2001", got.ReleaseDate)
	}
}

func TestCacheable(t *testing.T) {
	if !Cacheable([]byte(searchHit)) {
		t.Error("Cacheable(searchHit) = false, want true")
	}
	if !Cacheable([]byte(searchEmpty)) {
		t.Error("Cacheable(searchEmpty) = false, want true")
	}
	if Cacheable([]byte(`<html>bad gateway</html>`)) {
		t.Error("Cacheable(html) = true, want false")
	}
	if Cacheable([]byte(`{"albums": [`)) {
		t.Error("Cacheable(truncated) = true, want false")
	}
}
