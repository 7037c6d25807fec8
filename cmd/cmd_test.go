package cmd

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/otp-inbox/config"
	"github.com/dhcgn/otp-inbox/decode"
	"github.com/dhcgn/otp-inbox/filter"
	"github.com/dhcgn/otp-inbox/mailbox"
	"github.com/dhcgn/otp-inbox/match"
	"github.com/dhcgn/otp-inbox/model"
	"github.com/dhcgn/otp-inbox/state"
)

func textMessage(id, from, subject, body string, at time.Time) model.Message {
	return model.Message{
		ID:         id,
		Header:     map[string]string{"From": from, "Subject": subject},
		ReceivedAt: at,
		Root: model.Part{
			MediaType: "text/plain",
			Encoding:  model.EncodingBase64URL,
			Body:      []byte(decode.EncodeBase64URL([]byte(body))),
		},
	}
}

func TestInspectCandidates(t *testing.T) {
	now := time.Now()
	mem := mailbox.NewMemory(
		textMessage("m1", "otp@bank.example", "Codigo", "Tu codigo es 135790", now.Add(-1*time.Minute)),
		textMessage("m2", "news@shop.example", "Deals", "Save 123456 today", now.Add(-2*time.Minute)),
		textMessage("m3", "otp@bank.example", "Aviso", "Sin codigo", now.Add(-3*time.Minute)),
		textMessage("m4", "otp@bank.example", "Codigo", "Tu codigo es 111111", now.Add(-4*time.Minute)),
	)
	ledger := state.NewMemoryTracker()
	if err := ledger.MarkConsumed("m4"); err != nil {
		t.Fatal(err)
	}
	f, err := filter.New(filter.Options{IncludeHeader: []string{`From: otp@bank\.example`}})
	if err != nil {
		t.Fatal(err)
	}
	matcher, err := match.New("", match.Body)
	if err != nil {
		t.Fatal(err)
	}

	candidates, err := mem.Search(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	candidates = append(candidates, model.Candidate{ID: "gone"})

	rows := inspectCandidates(context.Background(), mem, ledger, f, matcher, candidates)

	want := []struct {
		id, code, verdict string
	}{
		{"m1", "135790", verdictMatch},
		{"m2", "", verdictFiltered},
		{"m3", "", verdictNoMatch},
		{"m4", "", verdictConsumed},
		{"gone", "", verdictError},
	}
	if len(rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(rows), len(want))
	}
	for i, w := range want {
		if rows[i].ID != w.id || rows[i].Code != w.code || rows[i].Verdict != w.verdict {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], w)
		}
	}
	if rows[0].From != "otp@bank.example" {
		t.Errorf("From = %q", rows[0].From)
	}
	if mem.Seen("m1") {
		t.Error("inspect must not mark messages")
	}
}

func TestSaveCSVReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "candidates.csv")
	rows := []inspectRow{
		{ID: "m1", From: "otp@bank.example", Subject: "Codigo, acceso", Code: "135790", Verdict: verdictMatch},
		{ID: "m2", Verdict: verdictNoText},
	}
	if err := saveCSVReport(rows, path); err != nil {
		t.Fatalf("saveCSVReport() error = %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[1][3] != "Codigo, acceso" || records[1][4] != "135790" {
		t.Errorf("record = %v", records[1])
	}
}

func TestReadPassword(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "newline", input: "s3cret\n", want: "s3cret"},
		{name: "crlf", input: "s3cret\r\n", want: "s3cret"},
		{name: "no newline", input: "s3cret", want: "s3cret"},
		{name: "only first line", input: "one\ntwo\n", want: "one"},
		{name: "empty", input: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPassword(strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("readPassword() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("readPassword() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCredentialKey(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("imap-host", "", "")
	if _, err := credentialKey(cmd, "me"); err == nil {
		t.Fatal("expected error without host")
	}
	if err := cmd.Flags().Set("imap-host", "imap.example.com"); err != nil {
		t.Fatal(err)
	}
	key, err := credentialKey(cmd, " me ")
	if err != nil {
		t.Fatal(err)
	}
	if key != config.IMAPSecretKey("me", "imap.example.com") {
		t.Errorf("key = %q", key)
	}
}

func TestReauthorize(t *testing.T) {
	base := errors.New("session invalid")
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{name: "gmail", cfg: config.Config{Provider: config.ProviderGmail, GmailToken: "/tmp/token.json"}, want: "/tmp/token.json"},
		{name: "imap", cfg: config.Config{Provider: config.ProviderIMAP, IMAPUser: "me", IMAPHost: "imap.example.com"}, want: "credential set me --imap-host imap.example.com"},
		{name: "mbox", cfg: config.Config{Provider: config.ProviderMbox}, want: "session invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reauthorize(tt.cfg, base)
			if !errors.Is(err, base) {
				t.Errorf("reauthorize() does not wrap the cause")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("reauthorize() = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestProfileError(t *testing.T) {
	cfg := config.Config{Provider: config.ProviderGmail, GmailToken: "/tmp/token.json"}
	tests := []struct {
		name     string
		err      error
		wantHint bool
	}{
		{name: "rejected", err: &mailbox.AuthError{Provider: "gmail", Message: "get profile"}, wantHint: true},
		{name: "timeout", err: context.DeadlineExceeded},
		{name: "server error", err: errors.New("gmail get profile: googleapi: Error 503: backend error")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := profileError(cfg, tt.err)
			if !errors.Is(err, tt.err) {
				t.Errorf("profileError() does not wrap the cause")
			}
			if got := strings.Contains(err.Error(), "refresh the token"); got != tt.wantHint {
				t.Errorf("profileError() = %q, hint %v, want %v", err, got, tt.wantHint)
			}
		})
	}
}

func TestLedgerScope(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "inbox.mbox")

	mboxScope := ledgerScope(config.Config{Provider: config.ProviderMbox, MboxPath: archive}, mailbox.NewMemory())
	if mboxScope != "mbox:"+archive {
		t.Errorf("mbox scope = %q", mboxScope)
	}
	other := ledgerScope(config.Config{Provider: config.ProviderMbox, MboxPath: filepath.Join(dir, "other.mbox")}, mailbox.NewMemory())
	if other == mboxScope {
		t.Error("different archives must not share a scope")
	}
	if got := ledgerScope(config.Config{Provider: config.ProviderMbox}, scopedSession{Memory: mailbox.NewMemory()}); got != "imap:me@host:993/INBOX;uidvalidity=1" {
		t.Errorf("session scope = %q", got)
	}
}

type scopedSession struct {
	*mailbox.Memory
}

func (scopedSession) LedgerScope() string { return "imap:me@host:993/INBOX;uidvalidity=1" }

func TestAcquireCommandWithMbox(t *testing.T) {
	archive := `From otp@bank.example Mon Oct 19 10:00:00 2026
From: Bank <otp@bank.example>
Subject: Codigo de acceso
Date: Mon, 19 Oct 2026 10:00:00 +0000
Message-Id: <login-1@bank.example>

Tu codigo de acceso es 135790.
`
	dir := t.TempDir()
	path := filepath.Join(dir, "inbox.mbox")
	if err := os.WriteFile(path, []byte(archive), 0o644); err != nil {
		t.Fatal(err)
	}

	// rootCmd gets its flags in Execute; this is the only test that runs it.
	if err := config.RegisterFlags(rootCmd); err != nil {
		t.Fatal(err)
	}
	rootCmd.SilenceErrors = true

	var out strings.Builder
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"acquire",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--provider", "mbox",
		"--mbox", path,
		"--mbox-as-of", "2026-10-19T10:05:00Z",
		"--state-driver", "memory",
		"--log-level", "error",
		"--query", "acceso",
		"--attempts", "1",
		"--delay", "0s",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "135790" {
		t.Errorf("output = %q, want 135790", got)
	}
}
