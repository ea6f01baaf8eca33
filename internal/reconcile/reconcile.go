// Package reconcile matches candidate albums against the Spotify catalog and
// collects their release dates, cover art and track durations.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/justestif/go-scrobblescope/internal/logging"
	"github.com/justestif/go-scrobblescope/internal/normalize"
	"github.com/justestif/go-scrobblescope/internal/retry"
	"github.com/justestif/go-scrobblescope/internal/scrobbles"
	"github.com/justestif/go-scrobblescope/internal/spotify"
	"github.com/justestif/go-scrobblescope/internal/unmatched"
)

// ErrAuthToken is returned when no catalog access token can be obtained.
var ErrAuthToken = errors.New("catalog authentication failed, cannot process albums")

// DefaultBatchConcurrency is the number of detail batches in flight at once.
const DefaultBatchConcurrency = 2

var (
	// DefaultSearchPolicy abandons a search on the first failure but waits
	// out up to 4 rate limits.
	DefaultSearchPolicy = retry.Policy{
		MaxAttempts:       1,
		MaxRateLimitWaits: 4,
	}

	// DefaultBatchPolicy retries a detail batch 3 times and waits out up to
	// 8 rate limits.
	DefaultBatchPolicy = retry.Policy{
		MaxAttempts:       3,
		MaxRateLimitWaits: 8,
		Backoff:           retry.Exponential(time.Second),
	}
)

// Catalog is the subset of the Spotify client used for reconciliation.
type Catalog interface {
	SearchAlbum(ctx context.Context, query string) (*spotify.Album, error)
	Albums(ctx context.Context, ids []string) ([]spotify.AlbumDetails, error)
}

// CatalogEntry is the catalog metadata of one album. Empty strings mean the
// value is unknown.
type CatalogEntry struct {
	CatalogID      string
	ReleaseDate    string
	CoverArtURL    string
	TrackDurations map[string]int // normalized track name -> seconds
}

// Resolution is the outcome of reconciling a set of candidates.
type Resolution struct {
	IDs           map[normalize.AlbumKey]string
	Entries       map[string]CatalogEntry // by catalog id
	Unmatched     map[normalize.AlbumKey]unmatched.Entry
	FailedBatches int // detail batches that kept their search-only entries
}

// Entry returns the catalog entry resolved for key.
func (r *Resolution) Entry(key normalize.AlbumKey) (CatalogEntry, bool) {
	id, ok := r.IDs[key]
	if !ok {
		return CatalogEntry{}, false
	}
	e, ok := r.Entries[id]
	return e, ok
}

// Stage marks a step of Resolve, for progress reporting.
type Stage int

const (
	StageSearching Stage = iota
	StageDetails
)

// Reconciler resolves candidates against the catalog.
type Reconciler struct {
	catalog          Catalog
	tokens           oauth2.TokenSource
	searchPolicy     retry.Policy
	batchPolicy      retry.Policy
	batchConcurrency int
	logger           *log.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSearchPolicy sets the retry policy for album searches.
func WithSearchPolicy(p retry.Policy) Option {
	return func(r *Reconciler) { r.searchPolicy = p }
}

// WithBatchPolicy sets the retry policy for detail batches.
func WithBatchPolicy(p retry.Policy) Option {
	return func(r *Reconciler) { r.batchPolicy = p }
}

// WithBatchConcurrency sets how many detail batches are in flight at once.
func WithBatchConcurrency(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchConcurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler. tokens is checked once per Resolve so that a
// broken credential fails the job early; it may be nil.
func New(catalog Catalog, tokens oauth2.TokenSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		catalog:          catalog,
		tokens:           tokens,
		searchPolicy:     DefaultSearchPolicy,
		batchPolicy:      DefaultBatchPolicy,
		batchConcurrency: DefaultBatchConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "reconciler")
	return r
}

// contextTokenSource is a token source whose fetch honours cancellation.
type contextTokenSource interface {
	TokenContext(ctx context.Context) (*oauth2.Token, error)
}

func (r *Reconciler) checkToken(ctx context.Context) error {
	if r.tokens == nil {
		return nil
	}
	var err error
	if src, ok := r.tokens.(contextTokenSource); ok {
		_, err = src.TokenContext(ctx)
	} else {
		_, err = r.tokens.Token()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthToken, err)
	}
	return nil
}

// Resolve searches every candidate sequentially in key order, then fetches
// details for the matches in batches. onStage may be nil.
func (r *Reconciler) Resolve(ctx context.Context, candidates *scrobbles.Candidates, onStage func(Stage)) (*Resolution, error) {
	stage := func(s Stage) {
		if onStage != nil {
			onStage(s)
		}
	}

	if err := r.checkToken(ctx); err != nil {
		return nil, err
	}

	res := &Resolution{
		IDs:       make(map[normalize.AlbumKey]string),
		Entries:   make(map[string]CatalogEntry),
		Unmatched: make(map[normalize.AlbumKey]unmatched.Entry),
	}

	stage(StageSearching)
	if err := r.search(ctx, candidates, res); err != nil {
		return nil, err
	}

	stage(StageDetails)
	if err := r.details(ctx, res); err != nil {
		return nil, err
	}

	r.logger.Info("reconciled albums",
		"candidates", candidates.Len(),
		"matched", len(res.IDs),
		"unmatched", len(res.Unmatched),
		"failed_batches", res.FailedBatches,
	)
	return res, nil
}

func (r *Reconciler) search(ctx context.Context, candidates *scrobbles.Candidates, res *Resolution) error {
	for _, key := range candidates.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := candidates.Albums[key]
		artist, album := queryTerms(c)

		hit, err := r.searchOnce(ctx, spotify.ExactQuery(artist, album))
		if err == nil && hit == nil {
			hit, err = r.searchOnce(ctx, spotify.RelaxedQuery(artist, album))
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			r.logger.Warn("album search failed", "artist", c.OriginalArtist, "album", c.OriginalAlbum, "err", err)
			res.Unmatched[key] = unmatchedEntry(c, unmatched.ReasonSearchFailed)
			continue
		}
		if hit == nil {
			r.logger.Debug("no catalog match", "artist", c.OriginalArtist, "album", c.OriginalAlbum)
			res.Unmatched[key] = unmatchedEntry(c, unmatched.ReasonNoMatch)
			continue
		}

		res.IDs[key] = hit.ID
		if _, seen := res.Entries[hit.ID]; !seen {
			res.Entries[hit.ID] = CatalogEntry{
				CatalogID:   hit.ID,
				ReleaseDate: hit.ReleaseDate,
				CoverArtURL: hit.CoverArtURL,
			}
		}
	}
	return nil
}

func (r *Reconciler) searchOnce(ctx context.Context, query string) (*spotify.Album, error) {
	var hit *spotify.Album
	err := retry.Do(ctx, r.searchPolicy, func(ctx context.Context) error {
		a, err := r.catalog.SearchAlbum(ctx, query)
		if err != nil {
			return err
		}
		hit = a
		return nil
	})
	return hit, err
}

func (r *Reconciler) details(ctx context.Context, res *Resolution) error {
	ids := make([]string, 0, len(res.Entries))
	for id := range res.Entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.batchConcurrency)

	for i := 0; i < len(ids); i += spotify.MaxAlbumsPerRequest {
		end := min(i+spotify.MaxAlbumsPerRequest, len(ids))
		batch := ids[i:end]

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			var albums []spotify.AlbumDetails
			err := retry.Do(gctx, r.batchPolicy, func(ctx context.Context) error {
				got, err := r.catalog.Albums(ctx, batch)
				if err != nil {
					return err
				}
				albums = got
				return nil
			})

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				// Keep the search-only entries rather than dropping the albums.
				r.logger.Warn("album detail batch failed", "size", len(batch), "err", err)
				res.FailedBatches++
				return nil
			}

			for _, a := range albums {
				entry, ok := res.Entries[a.ID]
				if !ok {
					continue
				}
				if a.ReleaseDate != "" {
					entry.ReleaseDate = a.ReleaseDate
				}
				if a.CoverArtURL != "" {
					entry.CoverArtURL = a.CoverArtURL
				}
				entry.TrackDurations = make(map[string]int, len(a.Tracks))
				for _, t := range a.Tracks {
					entry.TrackDurations[normalize.Track(t.Name)] = t.DurationMs / 1000
				}
				res.Entries[a.ID] = entry
			}
			return nil
		})
	}
	return g.Wait()
}

// queryTerms returns the names to search with: the normalized key, falling
// back to the raw names when normalization left nothing.
func queryTerms(c *scrobbles.CandidateAlbum) (string, string) {
	artist, album := c.Key.Artist, c.Key.Album
	if artist == "" {
		artist = c.OriginalArtist
	}
	if album == "" {
		album = c.OriginalAlbum
	}
	return artist, album
}

func unmatchedEntry(c *scrobbles.CandidateAlbum, reason string) unmatched.Entry {
	return unmatched.Entry{Artist: c.OriginalArtist, Album: c.OriginalAlbum, Reason: reason}
}
