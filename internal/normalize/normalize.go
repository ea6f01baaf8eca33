// Package normalize canonicalizes artist, album and track names so that the
// same release titled differently by Last.fm and Spotify maps to one key.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// punctuation mirrors the ASCII punctuation set: !"#$%&'()*+,-./:;<=>?@[\]^_`{|}~
const punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// stopWords are release-metadata tokens dropped from album identities.
// Articles stay: stripping "the" or "a" merges distinct works.
var stopWords = map[string]struct{}{
	"deluxe":      {},
	"edition":     {},
	"remastered":  {},
	"version":     {},
	"expanded":    {},
	"anniversary": {},
	"special":     {},
	"bonus":       {},
	"tracks":      {},
	"ep":          {},
	"remaster":    {},
}

var punctReplacer = buildPunctReplacer()

func buildPunctReplacer() *strings.Replacer {
	pairs := make([]string, 0, len(punctuation)*2)
	for _, r := range punctuation {
		pairs = append(pairs, string(r), " ")
	}
	return strings.NewReplacer(pairs...)
}

// AlbumKey identifies an album across both services. Two plays belong to the
// same album iff their keys are equal.
type AlbumKey struct {
	Artist string
	Album  string
}

// String renders the key as "artist|album".
func (k AlbumKey) String() string {
	return k.Artist + "|" + k.Album
}

// Less orders keys by artist, then album.
func (k AlbumKey) Less(other AlbumKey) bool {
	if k.Artist != other.Artist {
		return k.Artist < other.Artist
	}
	return k.Album < other.Album
}

// Compare returns -1, 0 or +1 for use with slices.SortFunc.
func (k AlbumKey) Compare(other AlbumKey) int {
	if c := strings.Compare(k.Artist, other.Artist); c != 0 {
		return c
	}
	return strings.Compare(k.Album, other.Album)
}

// Key returns the normalized AlbumKey for a raw artist/album pair.
func Key(artist, album string) AlbumKey {
	a, b := Album(artist, album)
	return AlbumKey{Artist: a, Album: b}
}

// Album returns the normalized artist and album names.
func Album(artist, album string) (string, string) {
	return clean(artist), clean(album)
}

// Track normalizes a track title. Unlike album names no stop words are
// removed, and apostrophes are dropped rather than split ("don't" -> "dont").
func Track(name string) string {
	s := strings.ToLower(toASCII(name))
	s = strings.ReplaceAll(s, "'", "")
	s = punctReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func clean(text string) string {
	s := strings.ToLower(toASCII(text))
	s = punctReplacer.Replace(s)

	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if _, drop := stopWords[w]; drop {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// toASCII decomposes s (NFKD) and removes every rune outside ASCII, which
// strips diacritics along with any non-Latin script.
func toASCII(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	out, _, err := transform.String(t, s)
	if err != nil {
		return ""
	}
	return out
}
