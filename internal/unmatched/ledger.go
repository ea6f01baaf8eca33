// Package unmatched records albums that could not be matched or were
// filtered out, with a human-readable reason for each.
package unmatched

import (
	"slices"
	"strings"
	"sync"

	"github.com/justestif/go-scrobblescope/internal/normalize"
)

// Reasons shared by the reconciler and the ranking engine.
const (
	ReasonNoMatch       = "No Spotify match"
	ReasonSearchFailed  = "No match found on Spotify"
	ReasonNoReleaseDate = "No release date available"
)

// Entry explains why one album is absent from the results.
type Entry struct {
	Artist string `json:"artist"`
	Album  string `json:"album"`
	Reason string `json:"reason"`
}

// Ledger collects entries for one job. Recording the same key twice keeps
// the later entry. It is safe for concurrent use.
type Ledger struct {
	mu      sync.Mutex
	entries map[normalize.AlbumKey]Entry
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[normalize.AlbumKey]Entry)}
}

// Record stores entry under key, replacing any earlier entry.
func (l *Ledger) Record(key normalize.AlbumKey, entry Entry) {
	l.mu.Lock()
	l.entries[key] = entry
	l.mu.Unlock()
}

// Len returns the number of recorded albums.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the recorded entries keyed by "artist|album".
func (l *Ledger) Entries() map[string]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Entry, len(l.entries))
	for k, e := range l.entries {
		out[k.String()] = e
	}
	return out
}

// Report groups the ledger by reason.
func (l *Ledger) Report() Report {
	l.mu.Lock()
	keys := make([]normalize.AlbumKey, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	entries := make(map[normalize.AlbumKey]Entry, len(l.entries))
	for k, e := range l.entries {
		entries[k] = e
	}
	l.mu.Unlock()

	slices.SortFunc(keys, normalize.AlbumKey.Compare)

	r := Report{
		Count:        len(keys),
		ByReason:     make(map[string][]Entry),
		ReasonCounts: make(map[string]int),
	}
	for _, k := range keys {
		e := entries[k]
		r.ByReason[e.Reason] = append(r.ByReason[e.Reason], e)
		r.ReasonCounts[e.Reason]++
	}

	r.Reasons = make([]string, 0, len(r.ReasonCounts))
	for reason := range r.ReasonCounts {
		r.Reasons = append(r.Reasons, reason)
	}
	slices.SortFunc(r.Reasons, func(a, b string) int {
		if ca, cb := r.ReasonCounts[a], r.ReasonCounts[b]; ca != cb {
			return cb - ca
		}
		return strings.Compare(a, b)
	})
	return r
}

// Report is the unmatched view grouped by reason.
type Report struct {
	Count        int                `json:"count"`
	ByReason     map[string][]Entry `json:"by_reason"`
	ReasonCounts map[string]int     `json:"reason_counts"`
	Reasons      []string           `json:"reasons"` // most frequent first
}
