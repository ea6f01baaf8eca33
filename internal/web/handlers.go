package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/justestif/go-scrobblescope/internal/jobs"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 16

// Handlers contains HTTP handlers for the API.
type Handlers struct {
	jobs   JobService
	logger *log.Logger
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(svc JobService, logger *log.Logger) *Handlers {
	return &Handlers{
		jobs:   svc,
		logger: logger,
		now:    time.Now,
	}
}

// Health reports liveness (GET /healthz).
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StartJob queues a top-albums job (POST /api/jobs). Fields the body leaves
// out take their defaults; the year defaults to the current one.
func (h *Handlers) StartJob(w http.ResponseWriter, r *http.Request) {
	params := jobs.DefaultParams("", h.now().Year())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	handle, err := h.jobs.Start(r.Context(), params)
	switch {
	case errors.Is(err, jobs.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Error("starting job", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]jobs.Handle{"handle": handle})
}

// JobStatus returns one job's status (GET /api/jobs/{handle}).
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.jobs.Status(handleParam(r))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// CancelJob stops a job (POST /api/jobs/{handle}/cancel).
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Cancel(handleParam(r)); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JobUnmatched returns a finished job's unmatched report
// (GET /api/jobs/{handle}/unmatched).
func (h *Handlers) JobUnmatched(w http.ResponseWriter, r *http.Request) {
	report, err := h.jobs.Unmatched(handleParam(r))
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Progress returns the latest job's status (GET /api/progress).
func (h *Handlers) Progress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.Latest())
}

// ResetProgress cancels the latest job and clears its status
// (POST /api/progress/reset).
func (h *Handlers) ResetProgress(w http.ResponseWriter, r *http.Request) {
	h.jobs.Reset()
	writeJSON(w, http.StatusOK, h.jobs.Latest())
}

// Results returns the cached result for the query parameters
// (GET /api/results).
func (h *Handlers) Results(w http.ResponseWriter, r *http.Request) {
	params, err := h.paramsFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.jobs.Result(params)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// LatestUnmatched returns the latest job's unmatched report
// (GET /api/unmatched).
func (h *Handlers) LatestUnmatched(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.jobs.LatestUnmatched())
}

func (h *Handlers) paramsFromQuery(q url.Values) (jobs.Params, error) {
	p := jobs.DefaultParams(q.Get("user"), h.now().Year())
	if v := q.Get("sort_by"); v != "" {
		p.SortMode = v
	}
	if v := q.Get("release_scope"); v != "" {
		p.ReleaseScope = v
	}
	p.Decade = q.Get("decade")

	ints := []struct {
		name string
		dst  *int
	}{
		{"year", &p.Year},
		{"release_year", &p.CustomYear},
		{"min_plays", &p.MinPlays},
		{"min_tracks", &p.MinTracks},
	}
	for _, f := range ints {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return jobs.Params{}, fmt.Errorf("%s must be an integer", f.name)
		}
		*f.dst = n
	}
	return p, nil
}

func handleParam(r *http.Request) jobs.Handle {
	return jobs.Handle(chi.URLParam(r, "handle"))
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, jobs.ErrResultNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
