package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/dhcgn/otp-inbox/stats"
)

func TestStatusText(t *testing.T) {
	tests := []struct {
		name string
		evt  stats.Event
		max  int
		want string
	}{
		{name: "round", evt: stats.Event{Call: "login", Type: stats.EventTypeRound, Attempt: 3}, max: 40, want: "login: searching (attempt 3/40)"},
		{name: "round without budget", evt: stats.Event{Call: "login", Type: stats.EventTypeRound, Attempt: 1}, want: "login: searching (attempt 1)"},
		{name: "candidates", evt: stats.Event{Call: "transfer", Type: stats.EventTypeCandidates, Attempt: 2, Count: 4}, want: "transfer: attempt 2, 4 candidate(s)"},
		{name: "matched", evt: stats.Event{Call: "login", Type: stats.EventTypeMatched, Attempt: 5}, want: "login: code found in attempt 5"},
		{name: "exhausted", evt: stats.Event{Call: "login", Type: stats.EventTypeExhausted, Attempt: 40}, want: "login: no code after 40 attempts"},
		{name: "error", evt: stats.Event{Call: "login", Type: stats.EventTypeError, Err: errors.New("rate limited")}, want: "login: rate limited"},
		{name: "session invalid", evt: stats.Event{Call: "login", Stage: stats.StageFetch, Type: stats.EventTypeSessionInvalid, Err: errors.New("revoked")}, want: "login: session invalid during fetch: revoked"},
		{name: "fetched is silent", evt: stats.Event{Call: "login", Type: stats.EventTypeFetched}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusText(tt.evt, tt.max); got != tt.want {
				t.Errorf("statusText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDisabledSpinners(t *testing.T) {
	s := New(map[string]int{"login": 40}, "debug")
	if s.enabled {
		t.Fatal("spinners must be disabled outside info level")
	}

	events := make(chan stats.Event, 2)
	events <- stats.Event{Call: "login", Type: stats.EventTypeRound, Attempt: 1}
	events <- stats.Event{Call: "login", Type: stats.EventTypeMatched, Attempt: 1}
	close(events)

	if err := stats.Forward(context.Background(), events, s); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	s.Stop()
}
