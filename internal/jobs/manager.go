// Package jobs runs top-album requests in the background on a bounded
// worker pool and keeps their status and results.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/justestif/go-scrobblescope/internal/cache"
	"github.com/justestif/go-scrobblescope/internal/logging"
	"github.com/justestif/go-scrobblescope/internal/ranking"
	"github.com/justestif/go-scrobblescope/internal/reconcile"
	"github.com/justestif/go-scrobblescope/internal/scrobbles"
	"github.com/justestif/go-scrobblescope/internal/unmatched"
)

// Common errors.
var (
	ErrJobNotFound    = errors.New("job not found")
	ErrResultNotFound = errors.New("result not found")
	ErrQueueFull      = errors.New("job queue is full")
	ErrClosed         = errors.New("job manager is closed")
)

const (
	// DefaultWorkers is the number of jobs run at once.
	DefaultWorkers = 4

	// DefaultQueueSize is the number of jobs that may wait for a worker.
	DefaultQueueSize = 64
)

// Aggregator turns listening history into candidate albums.
type Aggregator interface {
	Aggregate(ctx context.Context, req scrobbles.Request) (*scrobbles.Candidates, error)
}

// Reconciler resolves candidate albums against the catalog.
type Reconciler interface {
	Resolve(ctx context.Context, candidates *scrobbles.Candidates, onStage func(reconcile.Stage)) (*reconcile.Resolution, error)
}

type job struct {
	handle Handle
	params Params
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by Manager.mu.
	status     Status
	report     *unmatched.Report
	finishedAt time.Time
}

// Manager owns every job of the process.
type Manager struct {
	aggregator Aggregator
	reconciler Reconciler

	workers   int
	queueSize int
	resultTTL time.Duration
	now       func() time.Time
	logger    *log.Logger

	results *cache.TTL[Params, *Result]
	queue   chan *job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	jobs   map[Handle]*job
	active map[Params]Handle // queued or running
	latest Handle
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the number of concurrent jobs.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithQueueSize sets how many jobs may wait for a worker.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithResultTTL sets how long finished results are served from cache.
func WithResultTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.resultTTL = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock sets the time source used for validation and result expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Manager and starts its workers. Call Close to stop them.
func New(agg Aggregator, rec Reconciler, opts ...Option) *Manager {
	m := &Manager{
		aggregator: agg,
		reconciler: rec,
		workers:    DefaultWorkers,
		queueSize:  DefaultQueueSize,
		resultTTL:  cache.DefaultTTL,
		now:        time.Now,
		jobs:       make(map[Handle]*job),
		active:     make(map[Params]Handle),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "jobs")
	m.results = cache.New[Params, *Result](cache.WithTTL(m.resultTTL), cache.WithClock(m.now))
	m.queue = make(chan *job, m.queueSize)
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(m.workers)
	for range m.workers {
		go m.worker()
	}
	return m
}

// Start queues a job for p. If an identical request is already queued or
// running, its handle is returned instead.
func (m *Manager) Start(ctx context.Context, p Params) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p = p.Normalize()
	if err := p.validate(m.now()); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if h, ok := m.active[p]; ok {
		m.latest = h
		m.mu.Unlock()
		m.logger.Debug("joining running job", "handle", h, "user", p.User)
		return h, nil
	}
	m.prune()

	jctx, cancel := context.WithCancel(m.ctx)
	j := &job{
		handle: Handle(uuid.NewString()),
		params: p,
		ctx:    jctx,
		cancel: cancel,
		status: Status{Params: p, State: StateQueued, Progress: stepInit.progress, Message: stepInit.message},
	}
	j.status.Handle = j.handle
	m.jobs[j.handle] = j
	m.active[p] = j.handle
	m.latest = j.handle
	m.mu.Unlock()

	select {
	case m.queue <- j:
	default:
		j.cancel()
		m.abandon(j, ErrQueueFull)
		return "", ErrQueueFull
	}

	m.logger.Info("job queued", "handle", j.handle, "user", p.User, "year", p.Year)
	return j.handle, nil
}

// Status returns the current status of the job.
func (m *Manager) Status(h Handle) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[h]
	if !ok {
		return Status{}, ErrJobNotFound
	}
	return j.status, nil
}

// Latest returns the status of the most recently started job.
func (m *Manager) Latest() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[m.latest]; ok {
		return j.status
	}
	return Status{State: StateIdle, Progress: stepInit.progress, Message: stepInit.message}
}

// Result returns the cached result for p.
func (m *Manager) Result(p Params) (*Result, error) {
	res, ok := m.results.Get(p.Normalize())
	if !ok {
		return nil, ErrResultNotFound
	}
	return res, nil
}

// Unmatched returns the unmatched report of a finished job.
func (m *Manager) Unmatched(h Handle) (unmatched.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[h]
	if !ok {
		return unmatched.Report{}, ErrJobNotFound
	}
	if j.report == nil {
		return unmatched.Report{}, ErrResultNotFound
	}
	return *j.report, nil
}

// LatestUnmatched returns the unmatched report of the most recent job, or
// an empty report when it has not finished.
func (m *Manager) LatestUnmatched() unmatched.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[m.latest]; ok && j.report != nil {
		return *j.report
	}
	return unmatched.NewLedger().Report()
}

// Cancel stops the job. A later Start with the same Params queues a fresh
// job. Cancelling a finished job has no effect.
func (m *Manager) Cancel(h Handle) error {
	m.mu.Lock()
	j, ok := m.jobs[h]
	if ok {
		m.release(j)
	}
	m.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	j.cancel()
	return nil
}

// Reset cancels the latest job and forgets it, so Latest reports idle.
func (m *Manager) Reset() {
	m.mu.Lock()
	j, ok := m.jobs[m.latest]
	if ok {
		m.release(j)
	}
	m.latest = ""
	m.mu.Unlock()
	if ok {
		j.cancel()
	}
}

// Close cancels every job and waits for the workers to exit.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if !j.status.State.Terminal() {
			j.status = Status{Handle: j.handle, Params: j.params, State: StateCancelled, Progress: 100, Message: cancelledLabel, Error: true}
			j.finishedAt = m.now()
		}
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case j := <-m.queue:
			m.run(j)
		}
	}
}

func (m *Manager) run(j *job) {
	defer j.cancel()

	if err := j.ctx.Err(); err != nil {
		m.abandon(j, err)
		return
	}
	if res, ok := m.results.Get(j.params); ok {
		m.complete(j, res)
		return
	}

	m.setState(j, StateRunning)
	start := m.now()
	res, err := m.execute(j)
	if err != nil {
		m.abandon(j, err)
		return
	}

	m.results.Put(j.params, res)
	m.complete(j, res)
	m.logger.Info("job done",
		"handle", j.handle,
		"user", j.params.User,
		"albums", len(res.Albums),
		"unmatched", res.Unmatched.Count,
		"elapsed", m.now().Sub(start).Round(time.Millisecond),
	)
}

func (m *Manager) execute(j *job) (*Result, error) {
	p := j.params
	scope := p.Scope()

	candidates, err := m.aggregator.Aggregate(j.ctx, scrobbles.Request{
		User:      p.User,
		Window:    scrobbles.YearWindow(p.Year),
		MinPlays:  p.MinPlays,
		MinTracks: p.MinTracks,
		OnStage:   func(s scrobbles.Stage) { m.step(j, aggregatorSteps[s]) },
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Albums:            []ranking.Album{},
		CandidateCount:    candidates.Len(),
		TotalScrobbles:    candidates.TotalScrobbles,
		MissingPages:      candidates.MissingPages,
		FilterDescription: scope.Description(),
		GeneratedAt:       m.now(),
	}
	if candidates.Len() == 0 {
		res.Empty = EmptyNoCandidates
		res.Unmatched = unmatched.NewLedger().Report()
		return res, nil
	}

	m.step(j, stepPrepare)
	resolution, err := m.reconciler.Resolve(j.ctx, candidates, func(s reconcile.Stage) {
		m.step(j, reconcilerSteps[s])
	})
	if err != nil {
		return nil, err
	}

	m.step(j, stepCompile)
	out := ranking.ClassifyAndRank(candidates, resolution, scope, ranking.ParseSortMode(p.SortMode))

	m.step(j, stepFinalize)
	if len(out.Albums) > 0 {
		res.Albums = out.Albums
	} else {
		res.Empty = EmptyNoMatches
	}
	res.Unmatched = out.Unmatched.Report()
	res.FailedBatches = resolution.FailedBatches
	return res, nil
}

func (m *Manager) step(j *job, s milestone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.status.State.Terminal() {
		return
	}
	j.status.Progress = s.progress
	j.status.Message = s.message
}

func (m *Manager) setState(j *job, s State) {
	m.mu.Lock()
	j.status.State = s
	m.mu.Unlock()
}

func (m *Manager) complete(j *job, res *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := res.Unmatched
	j.report = &report
	j.status.State = StateDone
	j.status.Progress = 100
	j.status.Message = doneMessage(res)
	j.status.Error = false
	j.finishedAt = m.now()
	m.release(j)
}

func (m *Manager) abandon(j *job, err error) {
	state := StateFailed
	if errors.Is(err, context.Canceled) {
		state = StateCancelled
		m.logger.Info("job cancelled", "handle", j.handle)
	} else {
		m.logger.Error("job failed", "handle", j.handle, "user", j.params.User, "err", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j.status.State = state
	j.status.Progress = 100
	j.status.Message = failureMessage(err, j.params.User)
	j.status.Error = true
	j.finishedAt = m.now()
	m.release(j)
}

// release drops j from the active set. m.mu must be held.
func (m *Manager) release(j *job) {
	if m.active[j.params] == j.handle {
		delete(m.active, j.params)
	}
}

// prune forgets finished jobs older than the result TTL, keeping the latest.
// m.mu must be held.
func (m *Manager) prune() {
	cutoff := m.now().Add(-m.resultTTL)
	for h, j := range m.jobs {
		if h == m.latest || !j.status.State.Terminal() {
			continue
		}
		if j.finishedAt.Before(cutoff) {
			delete(m.jobs, h)
		}
	}
}
