package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/otp-inbox/stats"
)

// Spinners shows one live spinner per acquisition while it polls.
type Spinners struct {
	mu          sync.Mutex
	enabled     bool
	multi       *pterm.MultiPrinter
	spinners    map[string]*pterm.SpinnerPrinter
	maxAttempts map[string]int
	done        map[string]bool
}

// New creates spinners for the named jobs if logLevel is "info". The map
// values are the jobs' attempt budgets.
func New(jobs map[string]int, logLevel string) *Spinners {
	s := &Spinners{
		enabled:     logLevel == "info" && len(jobs) > 0,
		spinners:    make(map[string]*pterm.SpinnerPrinter, len(jobs)),
		maxAttempts: jobs,
		done:        make(map[string]bool, len(jobs)),
	}
	if !s.enabled {
		return s
	}

	multi := pterm.DefaultMultiPrinter
	for name := range jobs {
		sp, err := pterm.DefaultSpinner.WithWriter(multi.NewWriter()).Start(name + ": waiting for mail")
		if err != nil {
			continue
		}
		s.spinners[name] = sp
	}
	started, err := multi.Start()
	if err != nil {
		s.enabled = false
		return s
	}
	s.multi = started
	return s
}

// Emit moves the spinner of evt.Call forward. It implements stats.Sink.
func (s *Spinners) Emit(evt stats.Event) {
	if !s.enabled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.spinners[evt.Call]
	if !ok || s.done[evt.Call] {
		return
	}

	text := statusText(evt, s.maxAttempts[evt.Call])
	switch evt.Type {
	case stats.EventTypeMatched:
		s.done[evt.Call] = true
		sp.Success(text)
	case stats.EventTypeExhausted, stats.EventTypeSessionInvalid:
		s.done[evt.Call] = true
		sp.Fail(text)
	default:
		if text != "" {
			sp.UpdateText(text)
		}
	}
}

// Stop finalizes the spinners that are still running.
func (s *Spinners) Stop() {
	if !s.enabled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, sp := range s.spinners {
		if !s.done[name] {
			_ = sp.Stop()
		}
	}
	if s.multi != nil {
		_, _ = s.multi.Stop()
	}
}

func statusText(evt stats.Event, maxAttempts int) string {
	name := evt.Call
	switch evt.Type {
	case stats.EventTypeRound:
		if maxAttempts > 0 {
			return fmt.Sprintf("%s: searching (attempt %d/%d)", name, evt.Attempt, maxAttempts)
		}
		return fmt.Sprintf("%s: searching (attempt %d)", name, evt.Attempt)
	case stats.EventTypeCandidates:
		return fmt.Sprintf("%s: attempt %d, %d candidate(s)", name, evt.Attempt, evt.Count)
	case stats.EventTypeMatched:
		return fmt.Sprintf("%s: code found in attempt %d", name, evt.Attempt)
	case stats.EventTypeMarkFailed:
		return fmt.Sprintf("%s: could not mark message consumed: %v", name, evt.Err)
	case stats.EventTypeExhausted:
		return fmt.Sprintf("%s: no code after %d attempts", name, evt.Attempt)
	case stats.EventTypeError:
		return fmt.Sprintf("%s: %v", name, evt.Err)
	case stats.EventTypeSessionInvalid:
		return fmt.Sprintf("%s: session invalid during %s: %v", name, evt.Stage, evt.Err)
	}
	return ""
}

// PrintSummary renders the batch statistics.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Search rounds: %d\n", summary.Rounds)
	pterm.Info.Printf("Candidates: %d\n", summary.Candidates)
	pterm.Info.Printf("Fetched: %d\n", summary.Fetched)
	pterm.Info.Printf("Skipped: %d\n", summary.Skipped)
	pterm.Info.Printf("Without text: %d\n", summary.NoText)
	pterm.Info.Printf("Codes found: %d\n", summary.Matched)
	pterm.Info.Printf("Marked consumed: %d\n", summary.Marked)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
