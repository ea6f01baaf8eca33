package lastfm

import (
	"bytes"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Scrobble is one play event from a user's listening history.
type Scrobble struct {
	Artist     string
	Album      string
	Track      string
	PlayedAt   time.Time // zero when Last.fm sent no date
	NowPlaying bool
}

// RecentTracks is one page of user.getRecentTracks.
type RecentTracks struct {
	Page       int
	TotalPages int
	Total      int
	Scrobbles  []Scrobble
}

// recentTracksResponse is the JSON response for user.getRecentTracks.
type recentTracksResponse struct {
	RecentTracks struct {
		Track trackList `json:"track"`
		Attr  struct {
			User       string `json:"user"`
			Page       string `json:"page"`
			PerPage    string `json:"perPage"`
			TotalPages string `json:"totalPages"`
			Total      string `json:"total"`
		} `json:"@attr"`
	} `json:"recenttracks"`
}

type textField struct {
	Text string `json:"#text"`
}

type recentTrack struct {
	Artist textField `json:"artist"`
	Album  textField `json:"album"`
	Name   string    `json:"name"`
	Date   *struct {
		UTS string `json:"uts"`
	} `json:"date,omitempty"`
	Attr *struct {
		NowPlaying string `json:"nowplaying"`
	} `json:"@attr,omitempty"`
}

// trackList accepts both the array form and the single-object form Last.fm
// uses when a page holds exactly one track.
type trackList []recentTrack

func (l *trackList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '{' {
		var single recentTrack
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*l = trackList{single}
		return nil
	}
	var many []recentTrack
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

func (t recentTrack) toScrobble() Scrobble {
	s := Scrobble{
		Artist:     t.Artist.Text,
		Album:      t.Album.Text,
		Track:      t.Name,
		NowPlaying: t.Attr != nil && t.Attr.NowPlaying == "true",
	}
	if t.Date != nil {
		if uts, err := strconv.ParseInt(t.Date.UTS, 10, 64); err == nil {
			s.PlayedAt = time.Unix(uts, 0).UTC()
		}
	}
	return s
}

// userInfoResponse is the JSON response for user.getInfo.
type userInfoResponse struct {
	User struct {
		Name string `json:"name"`
	} `json:"user"`
}

// apiError represents a Last.fm API error response.
type apiError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
