package ranking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justestif/go-scrobblescope/internal/normalize"
	"github.com/justestif/go-scrobblescope/internal/reconcile"
	"github.com/justestif/go-scrobblescope/internal/scrobbles"
	"github.com/justestif/go-scrobblescope/internal/unmatched"
)

func TestScope_Matches(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		date  string
		want  bool
	}{
		{"same year", Scope{Kind: ScopeSame, Year: 1999}, "1999-03-01", true},
		{"previous year fails", Scope{Kind: ScopePrevious, Year: 1999}, "1999-03-01", false},
		{"previous year passes", Scope{Kind: ScopePrevious, Year: 2000}, "1999-03-01", true},
		{"decade", Scope{Kind: ScopeDecade, Decade: "1990s"}, "1999-03-01", true},
		{"outside decade", Scope{Kind: ScopeDecade, Decade: "1980s"}, "1999-03-01", false},
		{"custom year fails", Scope{Kind: ScopeCustom, CustomYear: 2000}, "1999-03-01", false},
		{"year only date", Scope{Kind: ScopeSame, Year: 1999}, "1999", true},
		{"empty date", Scope{Kind: ScopeSame, Year: 1999}, "", false},
		{"garbage date", Scope{Kind: ScopeSame, Year: 1999}, "unknown", false},
		{"decade without label", Scope{Kind: ScopeDecade}, "1975-01-01", true},
		{"custom without year", Scope{Kind: ScopeCustom}, "1975-01-01", true},
		{"unknown kind", Scope{Kind: "whatever"}, "1975-01-01", true},
		{"all", Scope{Kind: ScopeAll}, "1975-01-01", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.scope.Matches(tt.date))
		})
	}
}

func TestScope_Reason(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		date  string
		want  string
	}{
		{"same", Scope{Kind: ScopeSame, Year: 2023}, "2019-05-01", "Released in 2019 instead of 2023"},
		{"previous", Scope{Kind: ScopePrevious, Year: 2023}, "2019-05-01", "Released in 2019 instead of 2022"},
		{"custom", Scope{Kind: ScopeCustom, CustomYear: 2000}, "2019", "Released in 2019 instead of 2000"},
		{"decade", Scope{Kind: ScopeDecade, Decade: "1990s"}, "2019", "Released in 2019, outside of 1990-1999"},
		{"other", Scope{Kind: "odd"}, "2019", "Release year 2019 does not match filter"},
		{"empty", Scope{Kind: ScopeSame, Year: 2023}, "", unmatched.ReasonNoReleaseDate},
		{"unparsable", Scope{Kind: ScopeSame, Year: 2023}, "soon", "Unknown release year: soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.scope.Reason(tt.date))
		})
	}
}

func TestScope_Description(t *testing.T) {
	assert.Equal(t, "albums released in 2023", Scope{Kind: ScopeSame, Year: 2023}.Description())
	assert.Equal(t, "albums released in 2022", Scope{Kind: ScopePrevious, Year: 2023}.Description())
	assert.Equal(t, "albums released in the 1990s", Scope{Kind: ScopeDecade, Decade: "1990s"}.Description())
	assert.Equal(t, "albums released in 1987", Scope{Kind: ScopeCustom, CustomYear: 1987}.Description())
	assert.Equal(t, "albums matching your criteria", Scope{Kind: ScopeAll}.Description())
}

func TestDecadeStart(t *testing.T) {
	start, err := DecadeStart("1990s")
	require.NoError(t, err)
	assert.Equal(t, 1990, start)

	_, err = DecadeStart("9s")
	assert.Error(t, err)
	_, err = DecadeStart("abcd")
	assert.Error(t, err)
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "0m 00s", FormatSeconds(0))
	assert.Equal(t, "4m 05s", FormatSeconds(245))
	assert.Equal(t, "59m 59s", FormatSeconds(3599))
	assert.Equal(t, "1h 02m 03s", FormatSeconds(3723))
	assert.Equal(t, "0m 00s", FormatSeconds(-5))
}

func TestPlayTime_MissingDurationsCountZero(t *testing.T) {
	counts := map[string]int{"one": 3, "two": 2, "three": 1}
	durations := map[string]int{"one": 200, "two": 100}
	assert.Equal(t, 800, PlayTime(counts, durations))
}

func TestRank_StableDescending(t *testing.T) {
	albums := []Album{
		{Album: "a", PlayCount: 5},
		{Album: "b", PlayCount: 9},
		{Album: "c", PlayCount: 5},
		{Album: "d", PlayCount: 1},
	}
	Rank(albums, SortPlayCount)

	var order []string
	for _, a := range albums {
		order = append(order, a.Album)
	}
	assert.Equal(t, []string{"b", "a", "c", "d"}, order)

	assert.InDelta(t, 100.0, albums[0].ProportionOfMax, 1e-9)
	assert.InDelta(t, 5.0/9*100, albums[1].ProportionOfMax, 1e-9)

	var sum float64
	for _, a := range albums {
		sum += a.ProportionOfTotal
	}
	assert.InDelta(t, 100.0, sum, 1e-6)
}

func TestRank_PlayTimeMode(t *testing.T) {
	albums := []Album{
		{Album: "many plays", PlayCount: 50, PlayTimeSeconds: 100},
		{Album: "long plays", PlayCount: 2, PlayTimeSeconds: 5000},
	}
	Rank(albums, SortPlayTime)
	assert.Equal(t, "long plays", albums[0].Album)
}

func TestRank_ZeroValues(t *testing.T) {
	albums := []Album{{Album: "x"}, {Album: "y"}}
	Rank(albums, SortPlayTime)
	for _, a := range albums {
		assert.Zero(t, a.ProportionOfMax)
		assert.Zero(t, a.ProportionOfTotal)
	}

	Rank(nil, SortPlayCount)
}

func TestParseSortMode(t *testing.T) {
	assert.Equal(t, SortPlayTime, ParseSortMode("playtime"))
	assert.Equal(t, SortPlayCount, ParseSortMode("playcount"))
	assert.Equal(t, SortPlayCount, ParseSortMode(""))
}

func candidate(artist, album string, counts map[string]int) *scrobbles.CandidateAlbum {
	total := 0
	for _, n := range counts {
		total += n
	}
	return &scrobbles.CandidateAlbum{
		Key:            normalize.Key(artist, album),
		OriginalArtist: artist,
		OriginalAlbum:  album,
		PlayCount:      total,
		TrackCounts:    counts,
	}
}

func TestClassifyAndRank(t *testing.T) {
	fresh := candidate("Boards of Canada", "Tomorrow's Harvest", map[string]int{"reach for the dead": 6, "jacquard causeway": 6})
	old := candidate("Radiohead", "OK Computer", map[string]int{"airbag": 10, "lucky": 5})
	missing := candidate("Nobody", "Nothing", map[string]int{"silence": 20, "noise": 1})
	undated := candidate("Somebody", "Undated", map[string]int{"x": 12, "y": 1})

	candidates := &scrobbles.Candidates{Albums: map[normalize.AlbumKey]*scrobbles.CandidateAlbum{
		fresh.Key:   fresh,
		old.Key:     old,
		missing.Key: missing,
		undated.Key: undated,
	}}

	res := &reconcile.Resolution{
		IDs: map[normalize.AlbumKey]string{
			fresh.Key:   "boc",
			old.Key:     "okc",
			undated.Key: "und",
		},
		Entries: map[string]reconcile.CatalogEntry{
			"boc": {CatalogID: "boc", ReleaseDate: "2023-06-07", CoverArtURL: "http://img/boc", TrackDurations: map[string]int{"reach for the dead": 286, "jacquard causeway": 396}},
			"okc": {CatalogID: "okc", ReleaseDate: "1997-05-21"},
			"und": {CatalogID: "und"},
		},
		Unmatched: map[normalize.AlbumKey]unmatched.Entry{
			missing.Key: {Artist: "Nobody", Album: "Nothing", Reason: unmatched.ReasonNoMatch},
		},
	}

	out := ClassifyAndRank(candidates, res, Scope{Kind: ScopeSame, Year: 2023}, SortPlayTime)

	require.Len(t, out.Albums, 1)
	got := out.Albums[0]
	assert.Equal(t, "Boards of Canada", got.Artist)
	assert.Equal(t, 12, got.PlayCount)
	assert.Equal(t, 6*286+6*396, got.PlayTimeSeconds)
	assert.Equal(t, "1h 08m 12s", got.PlayTime)
	assert.Equal(t, 2, got.DistinctTracks)
	assert.Equal(t, "http://img/boc", got.CoverArtURL)
	assert.InDelta(t, 100.0, got.ProportionOfMax, 1e-9)
	assert.InDelta(t, 100.0, got.ProportionOfTotal, 1e-9)

	entries := out.Unmatched.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "Released in 1997 instead of 2023", entries[old.Key.String()].Reason)
	assert.Equal(t, unmatched.ReasonNoMatch, entries[missing.Key.String()].Reason)
	assert.Equal(t, unmatched.ReasonNoReleaseDate, entries[undated.Key.String()].Reason)
}

func TestClassifyAndRank_Empty(t *testing.T) {
	out := ClassifyAndRank(&scrobbles.Candidates{}, &reconcile.Resolution{}, Scope{Kind: ScopeSame, Year: 2023}, SortPlayCount)
	assert.Empty(t, out.Albums)
	assert.Zero(t, out.Unmatched.Len())
}
