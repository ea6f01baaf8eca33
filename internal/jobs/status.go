package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justestif/go-scrobblescope/internal/lastfm"
	"github.com/justestif/go-scrobblescope/internal/ranking"
	"github.com/justestif/go-scrobblescope/internal/reconcile"
	"github.com/justestif/go-scrobblescope/internal/retry"
	"github.com/justestif/go-scrobblescope/internal/scrobbles"
	"github.com/justestif/go-scrobblescope/internal/unmatched"
)

// Handle identifies one job.
type Handle string

// State is the lifecycle state of a job.
type State string

const (
	StateIdle      State = "idle" // no job started yet
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the job has stopped.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Status is a point-in-time view of a job.
type Status struct {
	Handle   Handle `json:"handle,omitempty"`
	Params   Params `json:"params"`
	State    State  `json:"state"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Error    bool   `json:"error"`
}

// EmptyReason tells apart the two ways a job can finish with no albums.
type EmptyReason string

const (
	EmptyNone         EmptyReason = ""
	EmptyNoCandidates EmptyReason = "no_candidates" // no albums met play thresholds
	EmptyNoMatches    EmptyReason = "no_matches"    // albums found but none matched filters
)

// Result is the output of a finished job.
type Result struct {
	Albums            []ranking.Album  `json:"albums"`
	CandidateCount    int              `json:"candidate_count"`
	TotalScrobbles    int              `json:"total_scrobbles"`
	MissingPages      int              `json:"missing_pages"`
	FailedBatches     int              `json:"failed_batches"`
	Unmatched         unmatched.Report `json:"unmatched"`
	FilterDescription string           `json:"filter_description"`
	Empty             EmptyReason      `json:"empty,omitempty"`
	GeneratedAt       time.Time        `json:"generated_at"`
}

type milestone struct {
	progress int
	message  string
}

var (
	stepInit       = milestone{0, "Initializing..."}
	stepVerify     = milestone{5, "Verifying your profile..."}
	stepFetch      = milestone{10, "Fetching your data from Last.fm..."}
	stepProcess    = milestone{20, "Processing your albums..."}
	stepPrepare    = milestone{30, "Preparing to fetch album data..."}
	stepSearch     = milestone{40, "Processing album data from Spotify..."}
	stepDetails    = milestone{60, "Adding album art to your results..."}
	stepCompile    = milestone{80, "Compiling your top album list..."}
	stepFinalize   = milestone{90, "Finalizing list..."}
	noAlbumsFound  = "No albums found for the specified criteria."
	cancelledLabel = "Cancelled"
)

var aggregatorSteps = map[scrobbles.Stage]milestone{
	scrobbles.StageVerifying:  stepVerify,
	scrobbles.StageFetching:   stepFetch,
	scrobbles.StageProcessing: stepProcess,
}

var reconcilerSteps = map[reconcile.Stage]milestone{
	reconcile.StageSearching: stepSearch,
	reconcile.StageDetails:   stepDetails,
}

func doneMessage(res *Result) string {
	if len(res.Albums) == 0 {
		return noAlbumsFound
	}
	return fmt.Sprintf("Done! Found %d albums matching your criteria.", len(res.Albums))
}

// failureMessage turns a job error into the text shown to the user.
func failureMessage(err error, user string) string {
	var exhausted *retry.ExhaustedError
	switch {
	case errors.Is(err, context.Canceled):
		return cancelledLabel
	case errors.Is(err, lastfm.ErrUserNotFound):
		return fmt.Sprintf("Error: User '%s' not found on Last.fm", user)
	case errors.As(err, &exhausted), errors.Is(err, lastfm.ErrRateLimited):
		return "Error: API rate limit reached. Please try again in a few minutes."
	case errors.Is(err, reconcile.ErrAuthToken):
		return "Error: Spotify authentication failed. Cannot process albums."
	}
	return "Error: " + err.Error()
}
