package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/otp-inbox/acquire"
	"github.com/dhcgn/otp-inbox/filter"
	"github.com/dhcgn/otp-inbox/mailbox"
	"github.com/dhcgn/otp-inbox/model"
	"github.com/dhcgn/otp-inbox/state"
	"github.com/dhcgn/otp-inbox/stats"
)

var (
	ErrDuplicateJob = errors.New("duplicate job name")
	ErrStarted      = errors.New("runner already started")
)

// Job is one named acquisition, e.g. the "login" or "transfer" code.
type Job struct {
	Name   string
	Config acquire.Config
	// InitialDelay gives the mail time to arrive before the first search.
	InitialDelay time.Duration
	Filter       *filter.Filter
}

// Result is the outcome of one Job.
type Result struct {
	Name     string
	Code     model.Code
	Err      error
	Duration time.Duration
}

// Runner executes jobs concurrently against one shared session and fans
// their events out to stats subscribers.
type Runner struct {
	session mailbox.Session
	ledger  state.Tracker
	logger  *slog.Logger

	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	failFast bool
	jobs     []Job
	names    map[string]bool
	results  []Result
	started  bool

	subscribers []chan stats.Event

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

// New creates a runner. ledger may be nil.
func New(ctx context.Context, session mailbox.Session, ledger state.Tracker, logger *slog.Logger) (*Runner, error) {
	if session == nil {
		return nil, fmt.Errorf("session must not be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	runCtx, cancel := context.WithCancel(ctx)
	return &Runner{
		session: session,
		ledger:  ledger,
		logger:  logger,
		parent:  ctx,
		ctx:     runCtx,
		cancel:  cancel,
		names:   make(map[string]bool),
	}, nil
}

// SetFailFast makes the first failing job cancel the others.
func (r *Runner) SetFailFast(v bool) {
	r.failFast = v
}

// Add registers a job; names must be unique.
func (r *Runner) Add(job Job) error {
	if r.started {
		return ErrStarted
	}
	if job.Name == "" {
		return fmt.Errorf("job name is empty")
	}
	if r.names[job.Name] {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	r.names[job.Name] = true
	r.jobs = append(r.jobs, job)
	return nil
}

// Emit implements stats.Sink by copying evt to every subscriber.
func (r *Runner) Emit(evt stats.Event) {
	for _, ch := range r.subscribers {
		ch <- evt
	}
}

// SubscribeStats runs fn with its own event stream until the runner
// finishes. It must be called before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subscribers = append(r.subscribers, ch)

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.parent, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("stats subscriber failed", "subscriber", name, "err", err)
		}
		// Keep draining so Emit never blocks on a finished subscriber.
		for range ch {
		}
	}()
}

// Start runs all jobs and waits for them and the subscribers. Results are
// in registration order; the error is the first job failure.
func (r *Runner) Start() ([]Result, error) {
	if r.started {
		return nil, ErrStarted
	}
	r.started = true
	r.since = time.Now()
	r.results = make([]Result, len(r.jobs))

	for i, job := range r.jobs {
		r.workWG.Add(1)
		go func() {
			defer r.workWG.Done()
			r.runJob(i, job)
		}()
	}

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	err := r.firstErr()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("batch failed", "duration", duration, "jobs", len(r.jobs), "err", err)
		return r.results, err
	}

	r.logger.Info("batch completed", "duration", duration, "jobs", len(r.jobs))
	return r.results, nil
}

func (r *Runner) runJob(idx int, job Job) {
	started := time.Now()
	logger := r.logger.With("profile", job.Name)

	result := Result{Name: job.Name}
	defer func() {
		result.Duration = time.Since(started)
		r.results[idx] = result
	}()

	if job.InitialDelay > 0 {
		logger.Debug("waiting before first search", "delay", job.InitialDelay)
		if err := sleep(r.ctx, job.InitialDelay); err != nil {
			result.Err = err
			r.fail(fmt.Errorf("%s: %w", job.Name, err))
			return
		}
	}

	opts := []acquire.Option{
		acquire.WithLogger(logger),
		acquire.WithStats(r),
		acquire.WithCallID(job.Name),
		acquire.WithFilter(job.Filter),
	}
	if r.ledger != nil {
		opts = append(opts, acquire.WithLedger(r.ledger))
	}

	code, err := acquire.Acquire(r.ctx, r.session, job.Config, opts...)
	result.Code = code
	result.Err = err
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", job.Name, err))
	}
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		if r.failFast {
			r.cancel()
		}
	}
	r.errMu.Unlock()
}

func (r *Runner) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
