package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/otp-inbox/decode"
	"github.com/dhcgn/otp-inbox/model"
	"github.com/dhcgn/otp-inbox/query"
)

// ErrMessageNotFound is returned by Fetch and MarkConsumed for unknown ids.
var ErrMessageNotFound = errors.New("message not found")

// Memory is an in-process Session over a fixed set of messages. It
// evaluates the Gmail-style query syntax understood by query.Parse.
type Memory struct {
	mu       sync.RWMutex
	messages []model.Message
	seen     map[string]bool
	now      func() time.Time
}

func NewMemory(messages ...model.Message) *Memory {
	m := &Memory{seen: make(map[string]bool), now: time.Now}
	for _, msg := range messages {
		m.Add(msg)
	}
	return m
}

// SetClock replaces the time source used for recency windows.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Add appends a message. Messages without an arrival time count as
// arriving now.
func (m *Memory) Add(msg model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = m.now()
	}
	m.messages = append(m.messages, msg)
}

// Seen reports whether MarkConsumed was called for id.
func (m *Memory) Seen(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seen[id]
}

// Len returns the number of stored messages.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

func (m *Memory) Search(ctx context.Context, q string, limit int) ([]model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := query.Parse(q)

	m.mu.RLock()
	cutoff := terms.Cutoff(m.now())
	matched := make([]model.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if !cutoff.IsZero() && msg.ReceivedAt.Before(cutoff) {
			continue
		}
		if terms.UnreadOnly && m.seen[msg.ID] {
			continue
		}
		if !matchesTerms(msg, terms) {
			continue
		}
		matched = append(matched, msg)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	candidates := make([]model.Candidate, 0, len(matched))
	for _, msg := range matched {
		subject, _ := msg.HeaderValue("Subject")
		candidates = append(candidates, model.Candidate{ID: msg.ID, Subject: subject, ReceivedAt: msg.ReceivedAt})
	}
	return candidates, nil
}

func (m *Memory) Fetch(ctx context.Context, id string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			return msg, nil
		}
	}
	return model.Message{}, fmt.Errorf("fetch %q: %w", id, ErrMessageNotFound)
}

func (m *Memory) MarkConsumed(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			m.seen[id] = true
			return nil
		}
	}
	return fmt.Errorf("mark %q: %w", id, ErrMessageNotFound)
}

func matchesTerms(msg model.Message, terms query.Terms) bool {
	subject, _ := msg.HeaderValue("Subject")
	from, _ := msg.HeaderValue("From")
	to, _ := msg.HeaderValue("To")

	if !containsAll(from, terms.From) || !containsAll(to, terms.To) || !containsAll(subject, terms.Subject) {
		return false
	}
	if len(terms.Text) == 0 {
		return true
	}
	body, _ := decode.Text(msg.Root)
	return containsAll(subject+"\n"+body, terms.Text)
}

func containsAll(haystack string, needles []string) bool {
	haystack = strings.ToLower(haystack)
	for _, n := range needles {
		if !strings.Contains(haystack, strings.ToLower(n)) {
			return false
		}
	}
	return true
}
