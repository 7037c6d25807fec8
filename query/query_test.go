package query

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		maxAge int
		want   string
	}{
		{name: "filter and window", filter: "OTP", maxAge: 10, want: "OTP newer_than:10m"},
		{name: "trimmed filter", filter: "  from:bank@example.com OTP \t", maxAge: 2, want: "from:bank@example.com OTP newer_than:2m"},
		{name: "empty", filter: "", maxAge: 0, want: ""},
		{name: "blank filter", filter: "   ", maxAge: 5, want: "newer_than:5m"},
		{name: "negative window", filter: "OTP", maxAge: -1, want: "OTP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Build(tt.filter, tt.maxAge); got != tt.want {
				t.Errorf("Build(%q, %d) = %q, want %q", tt.filter, tt.maxAge, got, tt.want)
			}
		})
	}
}

func TestBuildContainsClauses(t *testing.T) {
	q := Build("OTP", 10)
	if !strings.Contains(q, "OTP") {
		t.Errorf("query %q missing filter", q)
	}
	if !strings.Contains(q, "newer_than:10m") {
		t.Errorf("query %q missing recency clause", q)
	}
}

func TestParse(t *testing.T) {
	terms := Parse(`OTP from:bank@example.com subject:"Codigo de seguridad" is:unread newer_than:2h weird:`)

	if len(terms.Text) != 2 || terms.Text[0] != "OTP" || terms.Text[1] != "weird:" {
		t.Errorf("Text = %q", terms.Text)
	}
	if len(terms.From) != 1 || terms.From[0] != "bank@example.com" {
		t.Errorf("From = %q", terms.From)
	}
	if len(terms.Subject) != 1 || terms.Subject[0] != "Codigo de seguridad" {
		t.Errorf("Subject = %q", terms.Subject)
	}
	if !terms.UnreadOnly {
		t.Error("expected UnreadOnly")
	}
	if terms.MaxAge != 2*time.Hour {
		t.Errorf("MaxAge = %v, want 2h", terms.MaxAge)
	}
}

func TestParseBuildOutput(t *testing.T) {
	terms := Parse(Build("OTP", 10))
	if terms.MaxAge != 10*time.Minute {
		t.Errorf("MaxAge = %v, want 10m", terms.MaxAge)
	}
	if len(terms.Text) != 1 || terms.Text[0] != "OTP" {
		t.Errorf("Text = %q, want [OTP]", terms.Text)
	}
}

func TestParseEmpty(t *testing.T) {
	if got := Parse(""); !reflect.DeepEqual(got, Terms{}) {
		t.Errorf("Parse(\"\") = %+v, want empty terms", got)
	}
	if got := Parse(Build("", 0)); !reflect.DeepEqual(got, Terms{}) {
		t.Errorf("Parse(Build(\"\", 0)) = %+v, want empty terms", got)
	}
}

func TestCutoff(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if got := (Terms{}).Cutoff(now); !got.IsZero() {
		t.Errorf("Cutoff without window = %v, want zero", got)
	}
	got := Terms{MaxAge: 10 * time.Minute}.Cutoff(now)
	if want := now.Add(-10 * time.Minute); !got.Equal(want) {
		t.Errorf("Cutoff = %v, want %v", got, want)
	}
}
