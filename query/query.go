// Package query builds and parses provider-native search expressions. The
// canonical syntax is Gmail's search syntax; adapters for providers without
// a free-text search language translate the parsed Terms themselves.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Build joins a trimmed free-text filter with a "received within the last
// N minutes" clause. Either part may be absent; both absent yields "".
func Build(filter string, maxAgeMinutes int) string {
	parts := make([]string, 0, 2)
	if f := strings.TrimSpace(filter); f != "" {
		parts = append(parts, f)
	}
	if maxAgeMinutes > 0 {
		parts = append(parts, fmt.Sprintf("newer_than:%dm", maxAgeMinutes))
	}
	return strings.Join(parts, " ")
}

// Terms is the structured form of a query expression.
type Terms struct {
	Text       []string
	From       []string
	To         []string
	Subject    []string
	MaxAge     time.Duration
	UnreadOnly bool
}

// Parse splits q into Terms. Double-quoted phrases stay together. Unknown
// operators are kept as free text.
func Parse(q string) Terms {
	var terms Terms
	for _, tok := range tokenize(q) {
		key, value, hasOp := strings.Cut(tok, ":")
		if !hasOp || value == "" {
			terms.Text = append(terms.Text, unquote(tok))
			continue
		}
		value = unquote(value)
		switch strings.ToLower(key) {
		case "newer_than":
			if d, ok := parseAge(value); ok {
				terms.MaxAge = d
				continue
			}
		case "from":
			terms.From = append(terms.From, value)
			continue
		case "to":
			terms.To = append(terms.To, value)
			continue
		case "subject":
			terms.Subject = append(terms.Subject, value)
			continue
		case "is":
			if strings.EqualFold(value, "unread") {
				terms.UnreadOnly = true
				continue
			}
		}
		terms.Text = append(terms.Text, unquote(tok))
	}
	return terms
}

// Cutoff returns the earliest acceptable arrival time relative to now, or
// the zero time when no recency window is set.
func (t Terms) Cutoff(now time.Time) time.Time {
	if t.MaxAge <= 0 {
		return time.Time{}
	}
	return now.Add(-t.MaxAge)
}

func parseAge(v string) (time.Duration, bool) {
	if len(v) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(v[:len(v)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	switch v[len(v)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	}
	return 0, false
}

func tokenize(q string) []string {
	var (
		tokens  []string
		current strings.Builder
		quoted  bool
	)
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range q {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case !quoted && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
