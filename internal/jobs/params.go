package jobs

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/justestif/go-scrobblescope/internal/ranking"
)

// ErrInvalidParams is returned for requests that cannot be run.
var ErrInvalidParams = errors.New("invalid request")

// FirstScrobbleYear is the earliest year Last.fm has history for.
const FirstScrobbleYear = 2002

// Default thresholds applied when a request does not set them.
const (
	DefaultMinPlays  = 10
	DefaultMinTracks = 3
)

var decadePattern = regexp.MustCompile(`^\d{3}0s$`)

// Params describes one top-albums request. Params is comparable and two
// requests with equal Params share a job and a cached result.
type Params struct {
	User         string `json:"username"`
	Year         int    `json:"year"`
	SortMode     string `json:"sort_by"`
	ReleaseScope string `json:"release_scope"`
	Decade       string `json:"decade,omitempty"`
	CustomYear   int    `json:"release_year,omitempty"`
	MinPlays     int    `json:"min_plays"`
	MinTracks    int    `json:"min_tracks"`
}

// DefaultParams returns a request for user and year with every other field
// at its default. Decoding a request body over it keeps the defaults for
// fields the body leaves out.
func DefaultParams(user string, year int) Params {
	return Params{
		User:         user,
		Year:         year,
		SortMode:     string(ranking.SortPlayCount),
		ReleaseScope: string(ranking.ScopeSame),
		MinPlays:     DefaultMinPlays,
		MinTracks:    DefaultMinTracks,
	}
}

// Normalize trims the user name and maps empty or unknown sort modes and
// empty scopes to their defaults.
func (p Params) Normalize() Params {
	p.User = strings.TrimSpace(p.User)
	p.SortMode = string(ranking.ParseSortMode(p.SortMode))
	p.ReleaseScope = strings.ToLower(strings.TrimSpace(p.ReleaseScope))
	if p.ReleaseScope == "" {
		p.ReleaseScope = string(ranking.ScopeSame)
	}
	if p.ReleaseScope != string(ranking.ScopeDecade) {
		p.Decade = ""
	}
	if p.ReleaseScope != string(ranking.ScopeCustom) {
		p.CustomYear = 0
	}
	return p
}

// Validate reports whether p can be run.
func (p Params) Validate() error {
	return p.validate(time.Now())
}

func (p Params) validate(now time.Time) error {
	if strings.TrimSpace(p.User) == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidParams)
	}
	if last := now.Year() + 1; p.Year < FirstScrobbleYear || p.Year > last {
		return fmt.Errorf("%w: year must be between %d and %d", ErrInvalidParams, FirstScrobbleYear, last)
	}
	if p.MinPlays < 0 || p.MinTracks < 0 {
		return fmt.Errorf("%w: minimum plays and tracks cannot be negative", ErrInvalidParams)
	}
	if p.ReleaseScope == string(ranking.ScopeDecade) && p.Decade != "" && !decadePattern.MatchString(p.Decade) {
		return fmt.Errorf("%w: malformed decade %q", ErrInvalidParams, p.Decade)
	}
	if p.CustomYear < 0 {
		return fmt.Errorf("%w: release year cannot be negative", ErrInvalidParams)
	}
	return nil
}

// Scope returns the release filter described by p.
func (p Params) Scope() ranking.Scope {
	return ranking.Scope{
		Kind:       ranking.ScopeKind(p.ReleaseScope),
		Year:       p.Year,
		Decade:     p.Decade,
		CustomYear: p.CustomYear,
	}
}
