package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageSearch Stage = "search"
	StageFetch  Stage = "fetch"
	StageMatch  Stage = "match"
	StageMark   Stage = "mark"
)

type EventType string

const (
	EventTypeRound      EventType = "round"
	EventTypeCandidates EventType = "candidates"
	EventTypeFetched    EventType = "fetched"
	EventTypeSkipped    EventType = "skipped"
	EventTypeNoText     EventType = "no_text"
	EventTypeMatched    EventType = "matched"
	EventTypeMarked     EventType = "marked"
	EventTypeMarkFailed EventType = "mark_failed"
	EventTypeExhausted  EventType = "exhausted"
	EventTypeError      EventType = "error"

	// EventTypeSessionInvalid ends the call; Stage tells where it surfaced.
	EventTypeSessionInvalid EventType = "session_invalid"
)

// Event is emitted by the acquisition loop. Call identifies the
// acquisition call, Attempt is the 1-based round number.
type Event struct {
	Call      string
	Stage     Stage
	Type      EventType
	Attempt   int
	MessageID string
	Count     int
	Err       error
}

// Sink receives events. Implementations must not block for long; the
// acquisition loop calls Emit inline.
type Sink interface {
	Emit(evt Event)
}

// Summary aggregates events across one or more acquisition calls.
type Summary struct {
	Rounds     int
	Candidates int
	Fetched    int
	Skipped    int
	NoText     int
	Matched    int
	Marked     int
	MarkFailed int
	Exhausted  int
	Errors     int
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"rounds", s.Rounds,
		"candidates", s.Candidates,
		"fetched", s.Fetched,
		"skipped", s.Skipped,
		"noText", s.NoText,
		"matched", s.Matched,
		"marked", s.Marked,
		"markFailed", s.MarkFailed,
		"exhausted", s.Exhausted,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

// Emit implements Sink.
func (c *Collector) Emit(evt Event) {
	c.apply(evt)
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeRound:
		c.summary.Rounds++
	case EventTypeCandidates:
		c.summary.Candidates += evt.Count
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeNoText:
		c.summary.NoText++
	case EventTypeMatched:
		c.summary.Matched++
	case EventTypeMarked:
		c.summary.Marked++
	case EventTypeMarkFailed:
		c.summary.MarkFailed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeExhausted:
		c.summary.Exhausted++
	case EventTypeError, EventTypeSessionInvalid:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

// Fanout forwards every event to all sinks in order.
type Fanout []Sink

func (f Fanout) Emit(evt Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(evt)
		}
	}
}

// Forward hands events to sink until the channel is closed or ctx is
// done.
func Forward(ctx context.Context, events <-chan Event, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			sink.Emit(evt)
		}
	}
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(logger *slog.Logger) *Reporter {
	return &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
}

// Emit implements Sink.
func (r *Reporter) Emit(evt Event) {
	r.collector.Emit(evt)
}

// Report logs the summary collected so far.
func (r *Reporter) Report() {
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
