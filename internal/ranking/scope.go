// Package ranking filters reconciled albums by release date and ranks them
// by listening time or play count.
package ranking

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/justestif/go-scrobblescope/internal/unmatched"
)

// ScopeKind selects which release years pass the filter.
type ScopeKind string

const (
	ScopeSame     ScopeKind = "same"     // released in the listening year
	ScopePrevious ScopeKind = "previous" // released the year before
	ScopeDecade   ScopeKind = "decade"   // released in a given decade, e.g. "1990s"
	ScopeCustom   ScopeKind = "custom"   // released in a given year
	ScopeAll      ScopeKind = "all"
)

// Scope is a release-date predicate relative to the listening year.
type Scope struct {
	Kind       ScopeKind
	Year       int    // listening year
	Decade     string // e.g. "1990s", for ScopeDecade
	CustomYear int    // for ScopeCustom
}

// DecadeStart parses a decade label such as "1990s" into its first year.
func DecadeStart(decade string) (int, error) {
	if len(decade) < 3 {
		return 0, fmt.Errorf("invalid decade %q", decade)
	}
	start, err := strconv.Atoi(decade[:3] + "0")
	if err != nil {
		return 0, fmt.Errorf("invalid decade %q: %w", decade, err)
	}
	return start, nil
}

// ReleaseYear extracts the year from a release date such as "1999-03-01"
// or "1999".
func ReleaseYear(releaseDate string) (int, error) {
	year, _, _ := strings.Cut(releaseDate, "-")
	return strconv.Atoi(year)
}

// Matches reports whether an album released on releaseDate passes the scope.
// An empty or unparsable release date never passes.
func (s Scope) Matches(releaseDate string) bool {
	if releaseDate == "" {
		return false
	}
	year, err := ReleaseYear(releaseDate)
	if err != nil {
		return false
	}

	switch s.Kind {
	case ScopeSame:
		return year == s.Year
	case ScopePrevious:
		return year == s.Year-1
	case ScopeDecade:
		if s.Decade == "" {
			return true
		}
		start, err := DecadeStart(s.Decade)
		if err != nil {
			return true
		}
		return start <= year && year < start+10
	case ScopeCustom:
		if s.CustomYear == 0 {
			return true
		}
		return year == s.CustomYear
	}
	return true
}

// Reason explains why releaseDate fails the scope.
func (s Scope) Reason(releaseDate string) string {
	if releaseDate == "" {
		return unmatched.ReasonNoReleaseDate
	}
	year, err := ReleaseYear(releaseDate)
	if err != nil {
		return "Unknown release year: " + releaseDate
	}

	switch s.Kind {
	case ScopeSame:
		return fmt.Sprintf("Released in %d instead of %d", year, s.Year)
	case ScopePrevious:
		return fmt.Sprintf("Released in %d instead of %d", year, s.Year-1)
	case ScopeCustom:
		return fmt.Sprintf("Released in %d instead of %d", year, s.CustomYear)
	case ScopeDecade:
		if start, err := DecadeStart(s.Decade); err == nil {
			return fmt.Sprintf("Released in %d, outside of %d-%d", year, start, start+9)
		}
	}
	return fmt.Sprintf("Release year %d does not match filter", year)
}

// Description is a readable summary of the filter.
func (s Scope) Description() string {
	switch {
	case s.Kind == ScopeSame:
		return fmt.Sprintf("albums released in %d", s.Year)
	case s.Kind == ScopePrevious:
		return fmt.Sprintf("albums released in %d", s.Year-1)
	case s.Kind == ScopeDecade && s.Decade != "":
		return "albums released in the " + s.Decade
	case s.Kind == ScopeCustom && s.CustomYear != 0:
		return fmt.Sprintf("albums released in %d", s.CustomYear)
	}
	return "albums matching your criteria"
}
