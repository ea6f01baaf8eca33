// Package spotify provides a wrapper around the Spotify Web API catalog
// endpoints used for album lookups.
package spotify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/zmb3/spotify/v2"
)

// MaxAlbumsPerRequest is the several-albums endpoint limit.
const MaxAlbumsPerRequest = 20

// Cacheable reports whether a catalog response body is well-formed JSON and
// safe to memoize.
func Cacheable(body []byte) bool {
	return json.Valid(body)
}

// Client wraps the Spotify API client with convenience methods.
// Each method performs a single request; retries are the caller's concern.
type Client struct {
	api *spotify.Client
}

// New creates a new Spotify client wrapper.
// The underlying client should already be authenticated.
func New(api *spotify.Client) *Client {
	return &Client{api: api}
}

// NewWithHTTPClient builds the underlying API client on httpClient, which is
// expected to add authorization. An empty baseURL selects the public API.
func NewWithHTTPClient(httpClient *http.Client, baseURL string) *Client {
	var opts []spotify.ClientOption
	if baseURL != "" {
		opts = append(opts, spotify.WithBaseURL(baseURL))
	}
	return New(spotify.New(httpClient, opts...))
}

// SearchAlbum runs an album search and returns the first hit, or nil if
// there is none.
func (c *Client) SearchAlbum(ctx context.Context, query string) (*Album, error) {
	res, err := c.api.Search(ctx, query, spotify.SearchTypeAlbum, spotify.Limit(1))
	if err != nil {
		return nil, fmt.Errorf("searching albums for %q: %w", query, err)
	}
	if res == nil || res.Albums == nil || len(res.Albums.Albums) == 0 {
		return nil, nil
	}
	album := convertAlbum(res.Albums.Albums[0])
	return &album, nil
}

// Albums fetches full details for up to MaxAlbumsPerRequest album ids.
// Ids Spotify does not know are omitted from the result.
func (c *Client) Albums(ctx context.Context, ids []string) ([]AlbumDetails, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxAlbumsPerRequest {
		return nil, fmt.Errorf("requested %d albums, max %d per request", len(ids), MaxAlbumsPerRequest)
	}

	spotifyIDs := make([]spotify.ID, len(ids))
	for i, id := range ids {
		spotifyIDs[i] = spotify.ID(id)
	}

	full, err := c.api.GetAlbums(ctx, spotifyIDs)
	if err != nil {
		return nil, fmt.Errorf("fetching albums (batch of %d): %w", len(ids), err)
	}

	details := make([]AlbumDetails, 0, len(full))
	for _, a := range full {
		if a == nil {
			continue
		}
		details = append(details, convertFullAlbum(a))
	}
	return details, nil
}

// ExactQuery builds the field-filtered search query.
func ExactQuery(artist, album string) string {
	return fmt.Sprintf("artist:%s album:%s", artist, album)
}

// RelaxedQuery builds the free-text fallback search query.
func RelaxedQuery(artist, album string) string {
	return artist + " " + album
}

func convertAlbum(a spotify.SimpleAlbum) Album {
	out := Album{
		ID:          a.ID.String(),
		Name:        a.Name,
		ReleaseDate: a.ReleaseDate,
	}
	if len(a.Images) > 0 {
		out.CoverArtURL = a.Images[0].URL
	}
	return out
}

func convertFullAlbum(a *spotify.FullAlbum) AlbumDetails {
	details := AlbumDetails{
		Album:  convertAlbum(a.SimpleAlbum),
		Tracks: make([]Track, 0, len(a.Tracks.Tracks)),
	}
	for _, t := range a.Tracks.Tracks {
		details.Tracks = append(details.Tracks, Track{
			Name:       t.Name,
			DurationMs: int(t.Duration),
		})
	}
	return details
}
