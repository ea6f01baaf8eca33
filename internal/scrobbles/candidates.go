package scrobbles

import (
	"slices"
	"time"

	"github.com/justestif/go-scrobblescope/internal/normalize"
)

// Window is an inclusive time range of plays.
type Window struct {
	From time.Time
	To   time.Time
}

// YearWindow returns the UTC calendar year from Jan 1 00:00:00 to
// Dec 31 23:59:59.
func YearWindow(year int) Window {
	return Window{
		From: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(year, time.December, 31, 23, 59, 59, 0, time.UTC),
	}
}

// Contains reports whether t lies within the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// PlayEvent is one scrobble with a known timestamp.
type PlayEvent struct {
	Artist   string
	Album    string
	Track    string
	PlayedAt time.Time
}

// CandidateAlbum accumulates the plays of one album.
type CandidateAlbum struct {
	Key            normalize.AlbumKey
	OriginalArtist string
	OriginalAlbum  string
	PlayCount      int
	TrackCounts    map[string]int // normalized track name -> plays
}

// DistinctTracks returns the number of different tracks played.
func (c *CandidateAlbum) DistinctTracks() int {
	return len(c.TrackCounts)
}

// Candidates is the aggregation result for one request.
type Candidates struct {
	Albums         map[normalize.AlbumKey]*CandidateAlbum
	TotalScrobbles int // events counted toward any album
	TotalPages     int
	MissingPages   int // pages dropped after exhausting retries
}

// Len returns the number of candidate albums.
func (c *Candidates) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Albums)
}

// Keys returns the album keys in sorted order.
func (c *Candidates) Keys() []normalize.AlbumKey {
	if c == nil {
		return nil
	}
	keys := make([]normalize.AlbumKey, 0, len(c.Albums))
	for k := range c.Albums {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, normalize.AlbumKey.Compare)
	return keys
}

// Table folds play events into candidate albums. The fold is commutative:
// any ordering of the same events produces the same table.
type Table struct {
	window Window
	albums map[normalize.AlbumKey]*CandidateAlbum
	total  int
}

// NewTable creates an empty table accepting plays within window.
func NewTable(window Window) *Table {
	return &Table{
		window: window,
		albums: make(map[normalize.AlbumKey]*CandidateAlbum),
	}
}

// Add folds one event in. It returns false when the event was skipped
// because it lies outside the window or lacks artist, album or track.
func (t *Table) Add(e PlayEvent) bool {
	if e.PlayedAt.IsZero() || !t.window.Contains(e.PlayedAt) {
		return false
	}
	if e.Artist == "" || e.Album == "" || e.Track == "" {
		return false
	}

	key := normalize.Key(e.Artist, e.Album)
	c, ok := t.albums[key]
	if !ok {
		c = &CandidateAlbum{
			Key:            key,
			OriginalArtist: e.Artist,
			OriginalAlbum:  e.Album,
			TrackCounts:    make(map[string]int),
		}
		t.albums[key] = c
	} else if rawLess(e.Artist, e.Album, c.OriginalArtist, c.OriginalAlbum) {
		c.OriginalArtist, c.OriginalAlbum = e.Artist, e.Album
	}

	c.PlayCount++
	c.TrackCounts[normalize.Track(e.Track)]++
	t.total++
	return true
}

// Candidates returns the albums meeting both thresholds.
func (t *Table) Candidates(minPlays, minTracks int) *Candidates {
	out := &Candidates{
		Albums:         make(map[normalize.AlbumKey]*CandidateAlbum),
		TotalScrobbles: t.total,
	}
	for k, c := range t.albums {
		if c.PlayCount >= minPlays && c.DistinctTracks() >= minTracks {
			out.Albums[k] = c
		}
	}
	return out
}

// Size returns the number of distinct albums seen, before thresholds.
func (t *Table) Size() int {
	return len(t.albums)
}

// rawLess orders raw display pairs so the chosen display strings do not
// depend on fold order.
func rawLess(artist, album, otherArtist, otherAlbum string) bool {
	if artist != otherArtist {
		return artist < otherArtist
	}
	return album < otherAlbum
}
