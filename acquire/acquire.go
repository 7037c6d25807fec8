// Package acquire implements the blocking "acquire next matching code"
// loop: search the mailbox, fetch candidates in provider order, decode and
// match them, mark the winner consumed, and retry with a fixed delay until
// a code is found or the attempt budget is spent.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/otp-inbox/filter"
	"github.com/dhcgn/otp-inbox/mailbox"
	"github.com/dhcgn/otp-inbox/match"
	"github.com/dhcgn/otp-inbox/model"
	"github.com/dhcgn/otp-inbox/query"
	"github.com/dhcgn/otp-inbox/state"
	"github.com/dhcgn/otp-inbox/stats"
)

var (
	// ErrAttemptsExhausted is returned when no round produced a match.
	ErrAttemptsExhausted = errors.New("no matching code observed within the attempt budget")
	// ErrNotFound is an alias of ErrAttemptsExhausted.
	ErrNotFound = ErrAttemptsExhausted
	// ErrSessionInvalid is returned as soon as the session reports that it
	// is unusable; the remaining attempts are not spent.
	ErrSessionInvalid = mailbox.ErrSessionInvalid
	// ErrMisconfiguredPattern is returned before any mailbox call when the
	// code pattern does not compile.
	ErrMisconfiguredPattern = errors.New("misconfigured code pattern")
)

const (
	DefaultQuery         = "OTP"
	DefaultMaxAgeMinutes = 10
	DefaultMaxAttempts   = 40
	DefaultAttemptDelay  = 3 * time.Second
	DefaultResultCap     = 20

	markTimeout = 30 * time.Second
)

// Config is the per-call acquisition configuration.
type Config struct {
	Query         string
	MaxAgeMinutes int
	MaxAttempts   int
	AttemptDelay  time.Duration
	Pattern       string
	Target        match.Target
	MarkConsumed  bool
	ResultCap     int
}

// DefaultConfig returns the defaults of the login OTP flow.
func DefaultConfig() Config {
	return Config{
		Query:         DefaultQuery,
		MaxAgeMinutes: DefaultMaxAgeMinutes,
		MaxAttempts:   DefaultMaxAttempts,
		AttemptDelay:  DefaultAttemptDelay,
		Pattern:       match.DefaultPattern,
		Target:        match.Body,
		MarkConsumed:  true,
		ResultCap:     DefaultResultCap,
	}
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.ResultCap <= 0 {
		c.ResultCap = DefaultResultCap
	}
	if c.AttemptDelay < 0 {
		c.AttemptDelay = 0
	}
	return c
}

// LogAttrs returns the config as slog attributes.
func (c Config) LogAttrs() []any {
	return []any{
		"query", c.Query,
		"maxAgeMinutes", c.MaxAgeMinutes,
		"maxAttempts", c.MaxAttempts,
		"attemptDelay", c.AttemptDelay,
		"target", c.Target.String(),
		"markConsumed", c.MarkConsumed,
		"resultCap", c.ResultCap,
	}
}

type options struct {
	logger *slog.Logger
	sink   stats.Sink
	ledger state.Tracker
	filter *filter.Filter
	callID string
}

// Option customizes a single Acquire call.
type Option func(*options)

// WithLogger sets the logger; nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStats forwards loop events to sink.
func WithStats(sink stats.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// WithLedger skips candidates already recorded in ledger and records the
// winning message when marking is enabled.
func WithLedger(ledger state.Tracker) Option {
	return func(o *options) { o.ledger = ledger }
}

// WithFilter drops fetched messages the filter rejects before matching.
func WithFilter(f *filter.Filter) Option {
	return func(o *options) { o.filter = f }
}

// WithCallID overrides the generated call identifier used in logs and
// events.
func WithCallID(id string) Option {
	return func(o *options) { o.callID = id }
}

type call struct {
	cfg     Config
	session mailbox.Session
	matcher *match.Matcher
	opts    options
	logger  *slog.Logger
}

// Acquire blocks until a code matching cfg is found in session, the
// attempt budget is exhausted, the session turns out to be invalid, or ctx
// is done. The returned error wraps ErrAttemptsExhausted,
// ErrSessionInvalid or ErrMisconfiguredPattern, or is ctx.Err().
func Acquire(ctx context.Context, session mailbox.Session, cfg Config, opts ...Option) (model.Code, error) {
	cfg = cfg.normalized()

	matcher, err := match.New(cfg.Pattern, cfg.Target)
	if err != nil {
		return model.Code{}, fmt.Errorf("%w: %v", ErrMisconfiguredPattern, err)
	}
	if session == nil {
		return model.Code{}, fmt.Errorf("%w: session is nil", ErrSessionInvalid)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.callID == "" {
		o.callID = uuid.NewString()
	}

	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &call{
		cfg:     cfg,
		session: session,
		matcher: matcher,
		opts:    o,
		logger:  logger.With("call", o.callID),
	}
	return c.run(ctx)
}

func (c *call) run(ctx context.Context) (model.Code, error) {
	c.logger.Debug("acquisition started", c.cfg.LogAttrs()...)
	started := time.Now()

	var q string
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.Code{}, err
		}

		// The recency window is rebuilt every round so it slides forward.
		q = query.Build(c.cfg.Query, c.cfg.MaxAgeMinutes)
		c.logger.Info("searching mailbox", "attempt", attempt, "maxAttempts", c.cfg.MaxAttempts, "query", q)
		c.emit(stats.Event{Stage: stats.StageSearch, Type: stats.EventTypeRound, Attempt: attempt})

		code, found, err := c.round(ctx, attempt, q)
		if err != nil {
			return model.Code{}, err
		}
		if found {
			c.logger.Info("code found", "attempt", attempt, "messageID", code.MessageID, "duration", time.Since(started))
			return code, nil
		}

		if err := sleep(ctx, c.cfg.AttemptDelay); err != nil {
			return model.Code{}, err
		}
	}

	c.emit(stats.Event{Stage: stats.StageSearch, Type: stats.EventTypeExhausted, Attempt: c.cfg.MaxAttempts})
	c.logger.Warn("no code found", "attempts", c.cfg.MaxAttempts, "query", q, "duration", time.Since(started))
	return model.Code{}, fmt.Errorf("%w: %d attempts, query %q", ErrAttemptsExhausted, c.cfg.MaxAttempts, q)
}

// round runs one search and scans its candidates in provider order. Only
// a broken session or a cancelled context produce an error.
func (c *call) round(ctx context.Context, attempt int, q string) (model.Code, bool, error) {
	candidates, err := c.session.Search(ctx, q, c.cfg.ResultCap)
	if err != nil {
		if fatal := c.fatal(ctx, stats.StageSearch, attempt, err); fatal != nil {
			return model.Code{}, false, fatal
		}
		c.logger.Warn("search failed, retrying next round", "attempt", attempt, "err", err)
		c.emit(stats.Event{Stage: stats.StageSearch, Type: stats.EventTypeError, Attempt: attempt, Err: err})
		return model.Code{}, false, nil
	}
	if len(candidates) > c.cfg.ResultCap {
		candidates = candidates[:c.cfg.ResultCap]
	}

	c.logger.Debug("candidates found", "attempt", attempt, "count", len(candidates))
	c.emit(stats.Event{Stage: stats.StageSearch, Type: stats.EventTypeCandidates, Attempt: attempt, Count: len(candidates)})

	for _, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return model.Code{}, false, err
		}

		if c.opts.ledger != nil && c.opts.ledger.AlreadyConsumed(cand.ID) {
			c.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeSkipped, Attempt: attempt, MessageID: cand.ID})
			continue
		}

		msg, err := c.session.Fetch(ctx, cand.ID)
		if err != nil {
			if fatal := c.fatal(ctx, stats.StageFetch, attempt, err); fatal != nil {
				return model.Code{}, false, fatal
			}
			c.logger.Warn("fetch failed, skipping candidate", "attempt", attempt, "messageID", cand.ID, "err", err)
			c.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Attempt: attempt, MessageID: cand.ID, Err: err})
			continue
		}
		c.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFetched, Attempt: attempt, MessageID: cand.ID})

		if !c.opts.filter.Allows(msg) {
			c.emit(stats.Event{Stage: stats.StageMatch, Type: stats.EventTypeSkipped, Attempt: attempt, MessageID: cand.ID})
			continue
		}

		text, ok := c.matcher.Source(msg)
		if !ok {
			c.logger.Debug("no decodable text", "messageID", cand.ID, "target", c.matcher.Target().String())
			c.emit(stats.Event{Stage: stats.StageMatch, Type: stats.EventTypeNoText, Attempt: attempt, MessageID: cand.ID})
			continue
		}

		value, ok := c.matcher.Match(text)
		if !ok {
			continue
		}

		c.emit(stats.Event{Stage: stats.StageMatch, Type: stats.EventTypeMatched, Attempt: attempt, MessageID: cand.ID})
		code := model.Code{Value: value, MessageID: cand.ID}
		if c.cfg.MarkConsumed {
			c.mark(ctx, attempt, cand.ID)
		}
		return code, true, nil
	}

	return model.Code{}, false, nil
}

// mark flags the message that yielded the code. Failures are logged and
// counted, never returned.
func (c *call) mark(ctx context.Context, attempt int, id string) {
	if c.opts.ledger != nil {
		if err := c.opts.ledger.MarkConsumed(id); err != nil {
			c.logger.Warn("ledger write failed", "messageID", id, "err", err)
		}
	}

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()

	if err := c.session.MarkConsumed(markCtx, id); err != nil {
		c.logger.Warn("mark consumed failed", "messageID", id, "err", err)
		c.emit(stats.Event{Stage: stats.StageMark, Type: stats.EventTypeMarkFailed, Attempt: attempt, MessageID: id, Err: err})
		return
	}
	c.emit(stats.Event{Stage: stats.StageMark, Type: stats.EventTypeMarked, Attempt: attempt, MessageID: id})
}

// fatal returns the error that must end the call, or nil when err is
// transient. stage is where err surfaced.
func (c *call) fatal(ctx context.Context, stage stats.Stage, attempt int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if mailbox.IsSessionInvalid(err) {
		c.logger.Error("mailbox session invalid", "stage", stage, "attempt", attempt, "err", err)
		c.emit(stats.Event{Stage: stage, Type: stats.EventTypeSessionInvalid, Attempt: attempt, Err: err})
		if errors.Is(err, ErrSessionInvalid) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}
	return nil
}

func (c *call) emit(evt stats.Event) {
	if c.opts.sink == nil {
		return
	}
	evt.Call = c.opts.callID
	c.opts.sink.Emit(evt)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
