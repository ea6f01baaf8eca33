package main

import (
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/justestif/go-scrobblescope/internal/auth"
	"github.com/justestif/go-scrobblescope/internal/cache"
	"github.com/justestif/go-scrobblescope/internal/config"
	"github.com/justestif/go-scrobblescope/internal/jobs"
	"github.com/justestif/go-scrobblescope/internal/lastfm"
	"github.com/justestif/go-scrobblescope/internal/ratelimit"
	"github.com/justestif/go-scrobblescope/internal/reconcile"
	"github.com/justestif/go-scrobblescope/internal/scrobbles"
	"github.com/justestif/go-scrobblescope/internal/spotify"
)

// pipeline holds the process-wide shared state and the job manager built
// on it.
type pipeline struct {
	limits    *ratelimit.Registry
	responses *cache.TTL[string, cache.Response]
	tokens    *auth.TokenCache
	manager   *jobs.Manager
}

// newPipeline wires both API clients through the shared response cache and
// rate limiters:
//
//	Last.fm: cache -> rate limit -> network
//	Spotify: oauth2 -> cache -> rate limit -> network
func newPipeline(cfg *config.Config, base http.RoundTripper, logger *log.Logger, opts ...jobs.Option) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if base == nil {
		base = http.DefaultTransport
	}

	p := &pipeline{
		limits: ratelimit.NewRegistry(
			ratelimit.WithRate(ratelimit.LastFM, cfg.RateLimit.LastFM),
			ratelimit.WithRate(ratelimit.Spotify, cfg.RateLimit.Spotify),
		),
		responses: cache.New[string, cache.Response](
			cache.WithTTL(cfg.Cache.TTL),
			cache.WithMaxEntries(cfg.Cache.MaxEntries),
		),
	}

	through := func(service string, valid func([]byte) bool) http.RoundTripper {
		return &cache.Transport{
			Cache: p.responses,
			Base:  &ratelimit.Transport{Registry: p.limits, Service: service, Base: base},
			Valid: valid,
		}
	}

	history := lastfm.NewClient(cfg.LastFM,
		lastfm.WithTransport(through(ratelimit.LastFM, lastfm.Cacheable)))

	p.tokens = auth.New(cfg.Spotify.Auth(), &http.Client{Transport: base, Timeout: cfg.Spotify.Timeout})
	catalog := spotify.NewWithHTTPClient(
		auth.Client(p.tokens, through(ratelimit.Spotify, spotify.Cacheable), cfg.Spotify.Timeout),
		cfg.Spotify.BaseURL,
	)

	aggregator := scrobbles.New(history,
		scrobbles.WithBatchSize(cfg.Jobs.PageConcurrency),
		scrobbles.WithLogger(logger),
	)
	reconciler := reconcile.New(catalog, p.tokens,
		reconcile.WithBatchConcurrency(cfg.Jobs.BatchConcurrency),
		reconcile.WithLogger(logger),
	)

	opts = append([]jobs.Option{
		jobs.WithWorkers(cfg.Jobs.Workers),
		jobs.WithQueueSize(cfg.Jobs.QueueSize),
		jobs.WithResultTTL(cfg.Jobs.ResultTTL),
		jobs.WithLogger(logger),
	}, opts...)
	p.manager = jobs.New(aggregator, reconciler, opts...)

	logger.Debug("pipeline ready",
		"lastfm_rate", cfg.RateLimit.LastFM,
		"spotify_rate", cfg.RateLimit.Spotify,
		"workers", cfg.Jobs.Workers,
		"cache_ttl", cfg.Cache.TTL,
	)
	return p, nil
}

func (p *pipeline) Close() {
	p.manager.Close()
}
