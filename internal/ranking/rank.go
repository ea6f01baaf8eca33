package ranking

import (
	"fmt"
	"slices"

	"github.com/justestif/go-scrobblescope/internal/reconcile"
	"github.com/justestif/go-scrobblescope/internal/scrobbles"
	"github.com/justestif/go-scrobblescope/internal/unmatched"
)

// SortMode selects the ranking key.
type SortMode string

const (
	SortPlayCount SortMode = "playcount"
	SortPlayTime  SortMode = "playtime"
)

// ParseSortMode maps anything other than "playtime" to SortPlayCount.
func ParseSortMode(s string) SortMode {
	if SortMode(s) == SortPlayTime {
		return SortPlayTime
	}
	return SortPlayCount
}

// Album is one ranked result.
type Album struct {
	Artist            string  `json:"artist"`
	Album             string  `json:"album"`
	PlayCount         int     `json:"play_count"`
	PlayTimeSeconds   int     `json:"play_time_seconds"`
	PlayTime          string  `json:"play_time"`
	DistinctTracks    int     `json:"different_songs"`
	ReleaseDate       string  `json:"release_date"`
	CoverArtURL       string  `json:"album_image,omitempty"`
	ProportionOfMax   float64 `json:"proportion_of_max"`
	ProportionOfTotal float64 `json:"proportion_of_total"`
}

// Outcome is the ranked list plus everything that was left out.
type Outcome struct {
	Albums    []Album
	Unmatched *unmatched.Ledger
}

// ClassifyAndRank turns reconciled candidates into a ranked list. Candidates
// that were not resolved, or whose release date fails scope, are recorded
// in the returned ledger instead.
func ClassifyAndRank(candidates *scrobbles.Candidates, res *reconcile.Resolution, scope Scope, mode SortMode) Outcome {
	ledger := unmatched.NewLedger()
	var albums []Album

	for _, key := range candidates.Keys() {
		c := candidates.Albums[key]

		if res == nil {
			ledger.Record(key, unmatched.Entry{Artist: c.OriginalArtist, Album: c.OriginalAlbum, Reason: unmatched.ReasonNoMatch})
			continue
		}
		if entry, ok := res.Unmatched[key]; ok {
			ledger.Record(key, entry)
			continue
		}
		catalog, ok := res.Entry(key)
		if !ok {
			ledger.Record(key, unmatched.Entry{Artist: c.OriginalArtist, Album: c.OriginalAlbum, Reason: unmatched.ReasonNoMatch})
			continue
		}
		if !scope.Matches(catalog.ReleaseDate) {
			ledger.Record(key, unmatched.Entry{
				Artist: c.OriginalArtist,
				Album:  c.OriginalAlbum,
				Reason: scope.Reason(catalog.ReleaseDate),
			})
			continue
		}

		seconds := PlayTime(c.TrackCounts, catalog.TrackDurations)
		albums = append(albums, Album{
			Artist:          c.OriginalArtist,
			Album:           c.OriginalAlbum,
			PlayCount:       c.PlayCount,
			PlayTimeSeconds: seconds,
			PlayTime:        FormatSeconds(seconds),
			DistinctTracks:  c.DistinctTracks(),
			ReleaseDate:     catalog.ReleaseDate,
			CoverArtURL:     catalog.CoverArtURL,
		})
	}

	Rank(albums, mode)
	return Outcome{Albums: albums, Unmatched: ledger}
}

// PlayTime sums duration x plays over every played track. Tracks without a
// known duration contribute nothing.
func PlayTime(trackCounts, durations map[string]int) int {
	total := 0
	for track, plays := range trackCounts {
		total += durations[track] * plays
	}
	return total
}

// Rank sorts albums in place, descending by the mode's key, keeping the
// existing order among equal keys, and fills in the proportions.
func Rank(albums []Album, mode SortMode) {
	value := func(a Album) int {
		if mode == SortPlayTime {
			return a.PlayTimeSeconds
		}
		return a.PlayCount
	}

	slices.SortStableFunc(albums, func(a, b Album) int {
		return value(b) - value(a)
	})

	if len(albums) == 0 {
		return
	}

	top := value(albums[0])
	sum := 0
	for _, a := range albums {
		sum += value(a)
	}
	if top == 0 {
		top = 1
	}
	if sum == 0 {
		sum = 1
	}
	for i := range albums {
		v := float64(value(albums[i]))
		albums[i].ProportionOfMax = v / float64(top) * 100
		albums[i].ProportionOfTotal = v / float64(sum) * 100
	}
}

// FormatSeconds renders a duration as "1h 02m 03s", or "4m 05s" when under
// an hour.
func FormatSeconds(seconds int) string {
	seconds = max(seconds, 0)
	minutes, sec := seconds/60, seconds%60
	hours, minutes := minutes/60, minutes%60
	if hours > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", hours, minutes, sec)
	}
	return fmt.Sprintf("%dm %02ds", minutes, sec)
}
