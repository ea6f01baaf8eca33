// Package scrobbles aggregates a user's Last.fm listening history into
// candidate albums.
package scrobbles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/justestif/go-scrobblescope/internal/lastfm"
	"github.com/justestif/go-scrobblescope/internal/logging"
	"github.com/justestif/go-scrobblescope/internal/retry"
)

// ErrHistoryUnavailable is returned when the first history page cannot be
// fetched, so nothing can be aggregated.
var ErrHistoryUnavailable = errors.New("listening history unavailable")

// DefaultBatchSize is the number of history pages fetched concurrently.
const DefaultBatchSize = 20

// DefaultPagePolicy retries a page 3 times with 1s, 2s backoff and waits out
// at most 5 rate limits.
var DefaultPagePolicy = retry.Policy{
	MaxAttempts:       3,
	MaxRateLimitWaits: 5,
	Backoff:           retry.Exponential(time.Second),
}

// HistoryClient is the subset of the Last.fm client used for aggregation.
type HistoryClient interface {
	UserExists(ctx context.Context, user string) (bool, error)
	RecentTracks(ctx context.Context, user string, from, to time.Time, page int) (*lastfm.RecentTracks, error)
}

// Stage marks a step of Aggregate, for progress reporting.
type Stage int

const (
	StageVerifying Stage = iota
	StageFetching
	StageProcessing
)

// Request describes what to aggregate.
type Request struct {
	User      string
	Window    Window
	MinPlays  int
	MinTracks int

	// OnStage, when set, is called as Aggregate enters each stage.
	OnStage func(Stage)
}

func (r Request) stage(s Stage) {
	if r.OnStage != nil {
		r.OnStage(s)
	}
}

// Aggregator fetches listening history and folds it into candidates.
type Aggregator struct {
	client     HistoryClient
	batchSize  int
	pagePolicy retry.Policy
	logger     *log.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBatchSize sets how many pages are fetched concurrently.
func WithBatchSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithPagePolicy sets the retry policy for page and profile requests.
func WithPagePolicy(p retry.Policy) Option {
	return func(a *Aggregator) {
		a.pagePolicy = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(a *Aggregator) {
		a.logger = l
	}
}

// New creates an Aggregator reading history through client.
func New(client HistoryClient, opts ...Option) *Aggregator {
	a := &Aggregator{
		client:     client,
		batchSize:  DefaultBatchSize,
		pagePolicy: DefaultPagePolicy,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = logging.Component(a.logger, "aggregator")
	return a
}

// Aggregate verifies the user, fetches every history page within the window
// and returns the albums meeting the request thresholds.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (*Candidates, error) {
	req.stage(StageVerifying)
	if err := a.verifyUser(ctx, req.User); err != nil {
		return nil, err
	}

	req.stage(StageFetching)
	pages, totalPages, missing, err := a.fetchHistory(ctx, req.User, req.Window)
	if err != nil {
		return nil, err
	}

	req.stage(StageProcessing)
	table := NewTable(req.Window)
	for _, page := range pages {
		for _, s := range page.Scrobbles {
			if s.NowPlaying {
				continue
			}
			table.Add(PlayEvent{
				Artist:   s.Artist,
				Album:    s.Album,
				Track:    s.Track,
				PlayedAt: s.PlayedAt,
			})
		}
	}

	out := table.Candidates(req.MinPlays, req.MinTracks)
	out.TotalPages = totalPages
	out.MissingPages = missing

	a.logger.Info("aggregated history",
		"user", req.User,
		"scrobbles", out.TotalScrobbles,
		"albums", table.Size(),
		"candidates", out.Len(),
		"missing_pages", missing,
	)
	return out, nil
}

func (a *Aggregator) verifyUser(ctx context.Context, user string) error {
	var exists bool
	err := retry.Do(ctx, a.pagePolicy, func(ctx context.Context) error {
		ok, err := a.client.UserExists(ctx, user)
		if errors.Is(err, lastfm.ErrInvalidAPIKey) {
			return retry.Permanent(err)
		}
		exists = ok
		return err
	})

	switch {
	case err == nil && !exists:
		return fmt.Errorf("%w: %s", lastfm.ErrUserNotFound, user)
	case errors.Is(err, lastfm.ErrInvalidAPIKey):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		// The page fetch reports a real 404, so a flaky profile lookup is not fatal.
		a.logger.Warn("could not verify user, continuing", "user", user, "err", err)
	}
	return nil
}

// fetchHistory returns all pages that could be fetched, the total page count
// and the number of pages dropped.
func (a *Aggregator) fetchHistory(ctx context.Context, user string, w Window) ([]*lastfm.RecentTracks, int, int, error) {
	first, err := a.fetchPage(ctx, user, w, 1)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, 0, ctx.Err()
		}
		if errors.Is(err, lastfm.ErrUserNotFound) || errors.Is(err, lastfm.ErrInvalidAPIKey) {
			return nil, 0, 0, err
		}
		return nil, 0, 0, fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}

	totalPages := max(first.TotalPages, 1)
	a.logger.Info("fetching history", "user", user, "pages", totalPages)

	pages := make([]*lastfm.RecentTracks, 0, totalPages)
	pages = append(pages, first)
	missing := 0

	for start := 2; start <= totalPages; start += a.batchSize {
		end := min(start+a.batchSize, totalPages+1)
		batch := make([]*lastfm.RecentTracks, end-start)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(a.batchSize)
		for p := start; p < end; p++ {
			g.Go(func() error {
				page, err := a.fetchPage(gctx, user, w, p)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					a.logger.Warn("dropping history page", "page", p, "err", err)
					return nil
				}
				batch[p-start] = page
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, 0, 0, err
		}

		got := 0
		for _, page := range batch {
			if page == nil {
				missing++
				continue
			}
			pages = append(pages, page)
			got++
		}
		a.logger.Debug("fetched page batch", "from", start, "to", end-1, "ok", got)
	}

	return pages, totalPages, missing, nil
}

func (a *Aggregator) fetchPage(ctx context.Context, user string, w Window, page int) (*lastfm.RecentTracks, error) {
	var out *lastfm.RecentTracks
	err := retry.Do(ctx, a.pagePolicy, func(ctx context.Context) error {
		res, err := a.client.RecentTracks(ctx, user, w.From, w.To, page)
		if errors.Is(err, lastfm.ErrUserNotFound) || errors.Is(err, lastfm.ErrInvalidAPIKey) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}
