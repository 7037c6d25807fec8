// Package match extracts a code from decoded message text or from a
// single header value using a configurable regular expression.
package match

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/otp-inbox/decode"
	"github.com/dhcgn/otp-inbox/model"
)

// DefaultPattern matches the first maximal run of exactly six digits.
const DefaultPattern = `(?:^|\D)(\d{6})(?:\D|$)`

// ErrPattern is wrapped by New when the pattern does not compile.
var ErrPattern = errors.New("invalid code pattern")

// Target selects the text a Matcher is applied to.
type Target struct {
	// Header names the header to match; empty means the decoded body.
	Header string
}

// Body is the default target.
var Body = Target{}

// Subject matches the Subject header only.
var Subject = Target{Header: "Subject"}

// ParseTarget accepts "body", "subject" or "header:<Name>".
func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "body":
		return Body, nil
	case "subject":
		return Subject, nil
	}
	if name, ok := strings.CutPrefix(s, "header:"); ok && strings.TrimSpace(name) != "" {
		return Target{Header: strings.TrimSpace(name)}, nil
	}
	return Target{}, fmt.Errorf("unknown match target %q (want body, subject or header:<Name>)", s)
}

func (t Target) String() string {
	if t.Header == "" {
		return "body"
	}
	if strings.EqualFold(t.Header, "Subject") {
		return "subject"
	}
	return "header:" + t.Header
}

// Matcher holds a compiled pattern and its target.
type Matcher struct {
	re     *regexp.Regexp
	target Target
}

// New compiles pattern; an empty pattern selects DefaultPattern.
func New(pattern string, target Target) (*Matcher, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", ErrPattern, pattern, err)
	}
	return &Matcher{re: re, target: target}, nil
}

// Target returns the configured target.
func (m *Matcher) Target() Target {
	return m.target
}

// Match returns the first capture group of the first match, or the whole
// match when the pattern has no groups.
func (m *Matcher) Match(text string) (string, bool) {
	sub := m.re.FindStringSubmatch(text)
	if sub == nil {
		return "", false
	}
	if len(sub) > 1 {
		return sub[1], true
	}
	return sub[0], true
}

// Source returns the text of msg the matcher applies to. ok is false when
// the body has no decodable text or the header is missing.
func (m *Matcher) Source(msg model.Message) (string, bool) {
	if m.target.Header != "" {
		return msg.HeaderValue(m.target.Header)
	}
	return decode.Text(msg.Root)
}
