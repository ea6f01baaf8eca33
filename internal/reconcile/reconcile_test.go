package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/justestif/go-scrobblescope/internal/auth"
	"github.com/justestif/go-scrobblescope/internal/normalize"
	"github.com/justestif/go-scrobblescope/internal/retry"
	"github.com/justestif/go-scrobblescope/internal/scrobbles"
	"github.com/justestif/go-scrobblescope/internal/spotify"
	"github.com/justestif/go-scrobblescope/internal/unmatched"
)

type fakeCatalog struct {
	mu          sync.Mutex
	hits        map[string]*spotify.Album // by query
	searchErrs  map[string][]error
	details     map[string]spotify.AlbumDetails
	batchErrs   []error
	queries     []string
	batches     [][]string
	searchCalls map[string]int
	batchCalls  int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		hits:        make(map[string]*spotify.Album),
		searchErrs:  make(map[string][]error),
		details:     make(map[string]spotify.AlbumDetails),
		searchCalls: make(map[string]int),
	}
}

func (f *fakeCatalog) SearchAlbum(ctx context.Context, query string) (*spotify.Album, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries = append(f.queries, query)
	n := f.searchCalls[query]
	f.searchCalls[query]++
	if errs := f.searchErrs[query]; n < len(errs) && errs[n] != nil {
		return nil, errs[n]
	}
	return f.hits[query], nil
}

func (f *fakeCatalog) Albums(ctx context.Context, ids []string) ([]spotify.AlbumDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.batchCalls
	f.batchCalls++
	if n < len(f.batchErrs) && f.batchErrs[n] != nil {
		return nil, f.batchErrs[n]
	}
	f.batches = append(f.batches, append([]string(nil), ids...))

	var out []spotify.AlbumDetails
	for _, id := range ids {
		if d, ok := f.details[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

type tokenFunc func() (*oauth2.Token, error)

func (f tokenFunc) Token() (*oauth2.Token, error) { return f() }

var okToken = tokenFunc(func() (*oauth2.Token, error) { return &oauth2.Token{AccessToken: "t"}, nil })

var fastSearch = retry.Policy{MaxAttempts: 1, MaxRateLimitWaits: 4}

var fastBatch = retry.Policy{
	MaxAttempts:       3,
	MaxRateLimitWaits: 8,
	Backoff:           func(int) time.Duration { return 0 },
}

func candidates(pairs ...[2]string) *scrobbles.Candidates {
	c := &scrobbles.Candidates{Albums: make(map[normalize.AlbumKey]*scrobbles.CandidateAlbum)}
	for _, p := range pairs {
		key := normalize.Key(p[0], p[1])
		c.Albums[key] = &scrobbles.CandidateAlbum{
			Key:            key,
			OriginalArtist: p[0],
			OriginalAlbum:  p[1],
			PlayCount:      10,
			TrackCounts:    map[string]int{"a": 10},
		}
	}
	return c
}

func newReconciler(cat Catalog) *Reconciler {
	return New(cat, okToken, WithSearchPolicy(fastSearch), WithBatchPolicy(fastBatch))
}

func TestResolve_ExactMatchWithDetails(t *testing.T) {
	cat := newFakeCatalog()
	cat.hits["artist:radiohead album:ok computer"] = &spotify.Album{ID: "okc", ReleaseDate: "1997", CoverArtURL: "small.jpg"}
	cat.details["okc"] = spotify.AlbumDetails{
		Album: spotify.Album{ID: "okc", ReleaseDate: "1997-05-21", CoverArtURL: "large.jpg"},
		Tracks: []spotify.Track{
			{Name: "Airbag", DurationMs: 284000},
			{Name: "Paranoid Android", DurationMs: 383999},
		},
	}

	res, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"Radiohead", "OK Computer"}), nil)
	require.NoError(t, err)

	entry, ok := res.Entry(normalize.Key("Radiohead", "OK Computer"))
	require.True(t, ok)
	assert.Equal(t, "okc", entry.CatalogID)
	assert.Equal(t, "1997-05-21", entry.ReleaseDate, "details overwrite the search release date")
	assert.Equal(t, "large.jpg", entry.CoverArtURL)
	assert.Equal(t, map[string]int{"airbag": 284, "paranoid android": 383}, entry.TrackDurations)
	assert.Empty(t, res.Unmatched)
	assert.Equal(t, []string{"artist:radiohead album:ok computer"}, cat.queries, "relaxed query not needed")
}

func TestResolve_RelaxedFallback(t *testing.T) {
	cat := newFakeCatalog()
	cat.hits["sigur ros agaetis byrjun"] = &spotify.Album{ID: "ab", ReleaseDate: "1999-06-12"}

	res, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"Sigur Rós", "Ágætis byrjun"}), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"artist:sigur ros album:agaetis byrjun", "sigur ros agaetis byrjun"}, cat.queries)
	assert.Equal(t, "ab", res.IDs[normalize.Key("Sigur Rós", "Ágætis byrjun")])
}

func TestResolve_NoMatch(t *testing.T) {
	cat := newFakeCatalog()

	res, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"Obscure", "Demo Tape"}), nil)
	require.NoError(t, err)

	key := normalize.Key("Obscure", "Demo Tape")
	assert.Equal(t, unmatched.Entry{Artist: "Obscure", Album: "Demo Tape", Reason: unmatched.ReasonNoMatch}, res.Unmatched[key])
	assert.NotContains(t, res.IDs, key)
	assert.Equal(t, 0, cat.batchCalls, "no details fetched without matches")
}

func TestResolve_SearchFailureAbandonsCandidate(t *testing.T) {
	cat := newFakeCatalog()
	cat.searchErrs["artist:a album:b"] = []error{errors.New("500")}
	cat.hits["artist:c album:d"] = &spotify.Album{ID: "cd"}

	res, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"A", "B"}, [2]string{"C", "D"}), nil)
	require.NoError(t, err)

	assert.Equal(t, unmatched.ReasonSearchFailed, res.Unmatched[normalize.Key("A", "B")].Reason)
	assert.Equal(t, 1, cat.searchCalls["artist:a album:b"], "non rate limit failures are not retried")
	assert.NotContains(t, cat.queries, "a b", "no relaxed query after a failure")
	assert.Equal(t, "cd", res.IDs[normalize.Key("C", "D")])
}

func TestResolve_SearchRateLimitWaited(t *testing.T) {
	cat := newFakeCatalog()
	q := "artist:a album:b"
	cat.searchErrs[q] = []error{&retry.RateLimitError{}, &retry.RateLimitError{}}
	cat.hits[q] = &spotify.Album{ID: "ab"}

	res, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"A", "B"}), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, cat.searchCalls[q])
	assert.Equal(t, "ab", res.IDs[normalize.Key("A", "B")])
}

func TestResolve_SearchRateLimitExhausted(t *testing.T) {
	cat := newFakeCatalog()
	q := "artist:a album:b"
	cat.searchErrs[q] = []error{
		&retry.RateLimitError{}, &retry.RateLimitError{}, &retry.RateLimitError{},
		&retry.RateLimitError{}, &retry.RateLimitError{},
	}
	cat.hits[q] = &spotify.Album{ID: "ab"}

	res, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"A", "B"}), nil)
	require.NoError(t, err)

	assert.Equal(t, 5, cat.searchCalls[q], "one attempt plus four waits")
	assert.Equal(t, unmatched.ReasonSearchFailed, res.Unmatched[normalize.Key("A", "B")].Reason)
}

func TestResolve_BatchRateLimitRetriedWithoutDroppingAlbums(t *testing.T) {
	cat := newFakeCatalog()
	cat.hits["artist:a album:b"] = &spotify.Album{ID: "ab", ReleaseDate: "2023-01-01"}
	cat.details["ab"] = spotify.AlbumDetails{
		Album:  spotify.Album{ID: "ab", ReleaseDate: "2023-01-01"},
		Tracks: []spotify.Track{{Name: "A", DurationMs: 60000}},
	}
	cat.batchErrs = []error{&retry.RateLimitError{RetryAfter: 20 * time.Millisecond}}

	start := time.Now()
	res, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"A", "B"}), nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "Retry-After honoured")
	assert.Equal(t, 2, cat.batchCalls)
	assert.Equal(t, 0, res.FailedBatches)

	entry, ok := res.Entry(normalize.Key("A", "B"))
	require.True(t, ok)
	assert.Equal(t, map[string]int{"a": 60}, entry.TrackDurations)
}

func TestResolve_FailedBatchKeepsPartialEntries(t *testing.T) {
	cat := newFakeCatalog()
	cat.hits["artist:a album:b"] = &spotify.Album{ID: "ab", ReleaseDate: "2023-01-01", CoverArtURL: "cover.jpg"}
	boom := errors.New("boom")
	cat.batchErrs = []error{boom, boom, boom}

	res, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"A", "B"}), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, cat.batchCalls)
	assert.Equal(t, 1, res.FailedBatches)

	entry, ok := res.Entry(normalize.Key("A", "B"))
	require.True(t, ok)
	assert.Equal(t, "2023-01-01", entry.ReleaseDate)
	assert.Equal(t, "cover.jpg", entry.CoverArtURL)
	assert.Nil(t, entry.TrackDurations)
}

func TestResolve_BatchesOfTwenty(t *testing.T) {
	cat := newFakeCatalog()
	var pairs [][2]string
	for i := range 45 {
		artist, album := fmt.Sprintf("artist%02d", i), fmt.Sprintf("album%02d", i)
		pairs = append(pairs, [2]string{artist, album})
		cat.hits[spotify.ExactQuery(artist, album)] = &spotify.Album{ID: fmt.Sprintf("id%02d", i)}
	}

	res, err := newReconciler(cat).Resolve(context.Background(), candidates(pairs...), nil)
	require.NoError(t, err)

	assert.Len(t, res.IDs, 45)
	require.Len(t, cat.batches, 3)
	sizes := []int{len(cat.batches[0]), len(cat.batches[1]), len(cat.batches[2])}
	assert.ElementsMatch(t, []int{20, 20, 5}, sizes)
}

func TestResolve_SharedCatalogID(t *testing.T) {
	cat := newFakeCatalog()
	cat.hits["artist:a album:b"] = &spotify.Album{ID: "same"}
	cat.hits["artist:a album:c"] = &spotify.Album{ID: "same"}

	res, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"A", "B"}, [2]string{"A", "C"}), nil)
	require.NoError(t, err)

	require.Len(t, cat.batches, 1)
	assert.Equal(t, []string{"same"}, cat.batches[0], "ids are deduplicated")
	assert.Len(t, res.IDs, 2)
}

func TestResolve_EmptyNormalizationUsesRawNames(t *testing.T) {
	cat := newFakeCatalog()

	_, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"坂本龍一", "Async"}), nil)
	require.NoError(t, err)

	assert.Equal(t, "artist:坂本龍一 album:async", cat.queries[0])
}

func TestResolve_TokenFailure(t *testing.T) {
	cat := newFakeCatalog()
	tokens := tokenFunc(func() (*oauth2.Token, error) { return nil, errors.New("401") })

	_, err := New(cat, tokens).Resolve(context.Background(), candidates([2]string{"A", "B"}), nil)

	assert.ErrorIs(t, err, ErrAuthToken)
	assert.Empty(t, cat.queries)
}

func TestResolve_Cancelled(t *testing.T) {
	cat := newFakeCatalog()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newReconciler(cat).Resolve(ctx, candidates([2]string{"A", "B"}), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve_CancelledDuringTokenFetch(t *testing.T) {
	cat := newFakeCatalog()
	fetching := make(chan struct{})
	tokens := auth.NewTokenCache(func(ctx context.Context) (*oauth2.Token, error) {
		close(fetching)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fetching
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := New(cat, tokens).Resolve(ctx, candidates([2]string{"A", "B"}), nil)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrAuthToken)
	case <-time.After(5 * time.Second):
		t.Fatal("Resolve did not observe cancellation while fetching the token")
	}
	assert.Empty(t, cat.queries)
}

func TestResolve_Stages(t *testing.T) {
	var stages []Stage
	_, err := newReconciler(newFakeCatalog()).Resolve(context.Background(), candidates(), func(s Stage) {
		stages = append(stages, s)
	})
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageSearching, StageDetails}, stages)
}

func TestResolve_SequentialSearchInKeyOrder(t *testing.T) {
	cat := newFakeCatalog()
	_, err := newReconciler(cat).Resolve(context.Background(), candidates([2]string{"Zed", "One"}, [2]string{"Abe", "Two"}), nil)
	require.NoError(t, err)

	require.NotEmpty(t, cat.queries)
	assert.True(t, strings.HasPrefix(cat.queries[0], "artist:abe"), "first query = %s", cat.queries[0])
}
