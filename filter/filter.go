// Package filter applies allow/deny regular expressions to fetched
// messages before code matching, e.g. to accept only mail from the bank's
// sender address on providers whose search cannot express that.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dhcgn/otp-inbox/decode"
	"github.com/dhcgn/otp-inbox/model"
)

// Options lists the patterns. Allow (include) and deny (exclude) patterns
// cannot be combined.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// rules is one side of a filter: patterns tested against the rendered
// headers and against the decoded body text.
type rules struct {
	header []*regexp.Regexp
	body   []*regexp.Regexp
}

func (r rules) empty() bool {
	return len(r.header) == 0 && len(r.body) == 0
}

// hit reports whether any header or body pattern matches. The texts are
// produced lazily so an unused side costs nothing.
func (r rules) hit(header, body func() string) bool {
	if len(r.header) > 0 && anyMatch(r.header, header()) {
		return true
	}
	return len(r.body) > 0 && anyMatch(r.body, body())
}

// Filter decides whether a fetched message may yield a code.
type Filter struct {
	allow rules
	deny  rules
}

// New compiles opts.
func New(opts Options) (*Filter, error) {
	var f Filter
	for _, field := range []struct {
		flag     string
		patterns []string
		dst      *[]*regexp.Regexp
	}{
		{"include-header", opts.IncludeHeader, &f.allow.header},
		{"include-body", opts.IncludeBody, &f.allow.body},
		{"exclude-header", opts.ExcludeHeader, &f.deny.header},
		{"exclude-body", opts.ExcludeBody, &f.deny.body},
	} {
		compiled, err := compile(field.patterns)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field.flag, err)
		}
		*field.dst = compiled
	}

	if !f.allow.empty() && !f.deny.empty() {
		return nil, fmt.Errorf("allow (include) and deny (exclude) patterns cannot be combined")
	}
	return &f, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f != nil && (!f.allow.empty() || !f.deny.empty())
}

// Allows reports whether msg may be matched. With allow patterns a message
// must hit one of them; with deny patterns it must hit none. A nil Filter
// allows everything.
func (f *Filter) Allows(msg model.Message) bool {
	if !f.Active() {
		return true
	}

	header := func() string { return HeaderText(msg) }
	body := func() string {
		text, _ := decode.Text(msg.Root)
		return text
	}

	if !f.allow.empty() {
		return f.allow.hit(header, body)
	}
	return !f.deny.hit(header, body)
}

// HeaderText renders the message headers as "Name: value" lines in name
// order so patterns like "From:.*@bank\.example" work on every provider.
func HeaderText(msg model.Message) string {
	names := make([]string, 0, len(msg.Header))
	for name := range msg.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(msg.Header[name])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// compile skips blank patterns.
func compile(patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func anyMatch(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
