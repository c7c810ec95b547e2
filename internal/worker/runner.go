package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glizzus/cronrunner/internal/generator"
	"github.com/glizzus/cronrunner/internal/job"
	"github.com/glizzus/cronrunner/internal/repository"
	"github.com/glizzus/cronrunner/internal/schedule"
)

var (
	ErrAlreadyRunning = errors.New("runner is already running")
	ErrNotRunning     = errors.New("runner is not running")
	// ErrStopTimeout means the initializer did not return within the stop
	// timeout. The runner stays Stopping and Stop may be called again.
	ErrStopTimeout = errors.New("initializer did not stop within the stop timeout")
	ErrUnknownJob  = errors.New("job is not registered with this runner")
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// FailurePolicy decides what happens to the row of a failed execution.
type FailurePolicy int

const (
	// LeaveClaimed keeps the row claimed by this runner. It is not retried
	// until a runner with a different identity adopts it.
	LeaveClaimed FailurePolicy = iota
	// ReleaseClaim clears the claimant so the next period retries the row.
	ReleaseClaim
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "leave":
		return LeaveClaimed, nil
	case "release":
		return ReleaseClaim, nil
	}
	return 0, fmt.Errorf("unknown failure policy %q, want leave or release", s)
}

func (p FailurePolicy) String() string {
	if p == ReleaseClaim {
		return "release"
	}
	return "leave"
}

type Config struct {
	Repository repository.JobRepository
	Jobs       []*job.Definition

	// Period between claim passes. Defaults to one second.
	Period time.Duration
	// StopTimeout bounds how long Stop waits for the initializer.
	StopTimeout time.Duration
	// DrainTimeout bounds how long Run waits for the finalizer after its
	// context is done.
	DrainTimeout  time.Duration
	FailurePolicy FailurePolicy

	// Identity mints a fresh runner identity on every Start.
	Identity generator.Generator[string]
	Logger   *slog.Logger
	Metrics  *Metrics
}

// Runner claims due job instances, runs them concurrently and finalizes
// them one at a time in dispatch order.
type Runner struct {
	repo         repository.JobRepository
	jobs         *job.Registry
	period       time.Duration
	stopTimeout  time.Duration
	drainTimeout time.Duration
	policy       FailurePolicy
	identities   generator.Generator[string]
	logger       *slog.Logger
	metrics      *Metrics

	mu      sync.Mutex
	state   State
	session *session
}

func New(cfg Config) (*Runner, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	jobs, err := job.NewRegistry(cfg.Jobs...)
	if err != nil {
		return nil, err
	}
	if cfg.Period < 0 || cfg.StopTimeout < 0 || cfg.DrainTimeout < 0 {
		return nil, errors.New("period and timeouts must not be negative")
	}

	r := &Runner{
		repo:         cfg.Repository,
		jobs:         jobs,
		period:       cfg.Period,
		stopTimeout:  cfg.StopTimeout,
		drainTimeout: cfg.DrainTimeout,
		policy:       cfg.FailurePolicy,
		identities:   cfg.Identity,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if r.period == 0 {
		r.period = time.Second
	}
	if r.stopTimeout == 0 {
		r.stopTimeout = time.Second
	}
	if r.drainTimeout == 0 {
		r.drainTimeout = 30 * time.Second
	}
	if r.identities == nil {
		r.identities = generator.NewRunnerIdentityGenerator()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// session is the state of one Start/Stop cycle.
type session struct {
	identity string
	logger   *slog.Logger
	queue    *queue[*execution]

	// storeCtx is never cancelled, so store writes for claimed rows finish
	// even while stopping.
	storeCtx   context.Context
	cancelInit context.CancelFunc
	initDone   chan struct{}
	finalDone  chan struct{}

	abort     chan struct{}
	abortOnce sync.Once
	stopMu    sync.Mutex

	errMu sync.Mutex
	errs  []error
}

// fail records a loop error and signals abort.
func (s *session) fail(err error) {
	s.errMu.Lock()
	s.errs = append(s.errs, err)
	s.errMu.Unlock()
	s.abortOnce.Do(func() { close(s.abort) })
}

func (s *session) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return errors.Join(s.errs...)
}

func (r *Runner) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Identity is the identity of the current or most recent session.
func (r *Runner) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return ""
	}
	return r.session.identity
}

// Done is closed when a loop of the current session aborts. It is nil before
// the first Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return nil
	}
	return r.session.abort
}

// Err returns the errors that aborted the loops of the current session.
func (r *Runner) Err() error {
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.err()
}

// Start ensures the schema exists, mints a new identity and launches the
// initializer and finalizer.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateStopped {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.state = StateStarting
	r.mu.Unlock()

	s, err := r.newSession(ctx)
	if err != nil {
		r.setState(StateStopped)
		return err
	}

	initCtx, cancel := context.WithCancel(s.storeCtx)
	s.cancelInit = cancel

	r.mu.Lock()
	r.session = s
	r.state = StateRunning
	r.mu.Unlock()

	go r.initialize(initCtx, s)
	go r.finalize(s)

	s.logger.Info("runner started",
		"period", r.period,
		"failurePolicy", r.policy.String(),
		"jobs", r.jobs.IDs(),
	)
	return nil
}

func (r *Runner) newSession(ctx context.Context) (*session, error) {
	if err := r.repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure job schema: %w", err)
	}
	identity, err := r.identities.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to generate runner identity: %w", err)
	}
	return &session{
		identity:  identity,
		logger:    r.logger.With("runner", identity),
		queue:     newQueue[*execution](),
		storeCtx:  context.WithoutCancel(ctx),
		initDone:  make(chan struct{}),
		finalDone: make(chan struct{}),
		abort:     make(chan struct{}),
	}, nil
}

// Stop cancels the initializer, waits up to the stop timeout for it to
// return, then waits for the finalizer to drain every dispatched execution
// or for ctx to end. Bodies are never cancelled.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateRunning:
		r.state = StateStopping
	case StateStopping:
	default:
		r.mu.Unlock()
		return ErrNotRunning
	}
	s := r.session
	r.mu.Unlock()

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	s.cancelInit()
	timer := time.NewTimer(r.stopTimeout)
	defer timer.Stop()
	select {
	case <-s.initDone:
	case <-timer.C:
		s.logger.Error("initializer did not stop in time", "stopTimeout", r.stopTimeout)
		return ErrStopTimeout
	case <-ctx.Done():
		return fmt.Errorf("failed to stop initializer: %w", ctx.Err())
	}

	s.queue.close()
	select {
	case <-s.finalDone:
	case <-ctx.Done():
		return fmt.Errorf("failed to drain %d queued jobs: %w", s.queue.len(), ctx.Err())
	}

	r.setState(StateStopped)
	s.logger.Info("runner stopped")
	return s.err()
}

// Run starts the runner and blocks until ctx is done or a loop aborts, then
// stops it, allowing the drain timeout for queued executions.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-r.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.drainTimeout)
	defer cancel()
	return r.Stop(stopCtx)
}

// Submit schedules the first instance of a series. The fire time is the next
// occurrence of expr after lastFiredAt, or after now when lastFiredAt is nil.
// The runner does not need to be started.
func (r *Runner) Submit(ctx context.Context, def *job.Definition, input any, expr string, lastFiredAt *time.Time) (int64, error) {
	if !r.jobs.Contains(def) {
		if def == nil {
			return 0, fmt.Errorf("%w: nil definition", ErrUnknownJob)
		}
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, def.FunctionID)
	}

	data, err := def.Encode(input)
	if err != nil {
		return 0, err
	}
	fireAt, err := schedule.NextFire(expr, lastFiredAt)
	if err != nil {
		return 0, err
	}

	id, err := r.repo.Insert(ctx, repository.NewJobInstance{
		Schedule:   expr,
		FunctionID: def.FunctionID,
		Data:       data,
		FireAt:     fireAt,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to submit %s: %w", def.FunctionID, err)
	}

	r.logger.Debug("job submitted",
		"jobID", id,
		"functionID", def.FunctionID,
		"schedule", expr,
		"fireAt", fireAt,
	)
	return id, nil
}
