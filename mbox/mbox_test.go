package mbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dhcgn/otp-inbox/acquire"
	"github.com/dhcgn/otp-inbox/match"
)

const archive = `From otp@bank.example Mon Oct 19 10:00:00 2026
From: Bank <otp@bank.example>
To: me@example.com
Subject: Codigo de acceso
Date: Mon, 19 Oct 2026 10:00:00 +0000
Message-Id: <login-1@bank.example>

Tu codigo de acceso es 135790. No lo compartas.

From otp@bank.example Mon Oct 19 10:04:00 2026
From: Bank <otp@bank.example>
To: me@example.com
Subject: Token de transferencia
Date: Mon, 19 Oct 2026 10:04:00 +0000
Message-Id: <transfer-1@bank.example>
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="alt"

--alt
Content-Type: text/html; charset=utf-8

<p>Token: <b>246802</b></p>
--alt--

From news@shop.example Mon Oct 19 10:05:00 2026
From: Shop <news@shop.example>
Subject: Weekly deals
Date: Mon, 19 Oct 2026 10:05:00 +0000

Save 20% on 123456 items.
`

var exportedAt = time.Date(2026, 10, 19, 10, 6, 0, 0, time.UTC)

func writeArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	if err := os.WriteFile(path, []byte(archive), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	mem, err := Load(context.Background(), strings.NewReader(archive), nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if mem.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", mem.Len())
	}

	msg, err := mem.Fetch(context.Background(), "login-1@bank.example")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if subject, _ := msg.HeaderValue("Subject"); subject != "Codigo de acceso" {
		t.Errorf("Subject = %q", subject)
	}

	if _, err := mem.Fetch(context.Background(), "mbox-2"); err != nil {
		t.Errorf("message without Message-Id should get a positional id: %v", err)
	}
}

func TestOpenMissingPath(t *testing.T) {
	if _, err := Open(context.Background(), Options{Path: "  "}, nil); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "nope.mbox")}, nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Load(ctx, strings.NewReader(archive), nil); err == nil {
		t.Fatal("expected context error")
	}
}

func TestAcquireFromArchive(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  string
		wantMsgID string
	}{
		{name: "login", query: "from:bank.example acceso", wantCode: "135790", wantMsgID: "login-1@bank.example"},
		{name: "transfer html only", query: "subject:transferencia", wantCode: "246802", wantMsgID: "transfer-1@bank.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, err := Open(context.Background(), Options{
				Path: writeArchive(t),
				Now:  func() time.Time { return exportedAt },
			}, nil)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}

			cfg := acquire.DefaultConfig()
			cfg.Query = tt.query
			cfg.MaxAttempts = 1
			cfg.AttemptDelay = 0
			cfg.Target = match.Body

			code, err := acquire.Acquire(context.Background(), session, cfg)
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			if code.Value != tt.wantCode || code.MessageID != tt.wantMsgID {
				t.Errorf("Acquire() = %+v, want %s from %s", code, tt.wantCode, tt.wantMsgID)
			}
			if !session.Seen(tt.wantMsgID) {
				t.Error("winning message not marked")
			}
		})
	}
}

func TestAcquireFromArchiveOutsideWindow(t *testing.T) {
	session, err := Open(context.Background(), Options{
		Path: writeArchive(t),
		Now:  func() time.Time { return exportedAt.Add(time.Hour) },
	}, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	cfg := acquire.DefaultConfig()
	cfg.MaxAttempts = 1
	cfg.AttemptDelay = 0
	cfg.Query = "from:bank.example"

	if _, err := acquire.Acquire(context.Background(), session, cfg); err == nil {
		t.Fatal("expected exhaustion for mail older than the window")
	}
}
