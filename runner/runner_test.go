package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dhcgn/otp-inbox/acquire"
	"github.com/dhcgn/otp-inbox/decode"
	"github.com/dhcgn/otp-inbox/mailbox"
	"github.com/dhcgn/otp-inbox/model"
	"github.com/dhcgn/otp-inbox/state"
	"github.com/dhcgn/otp-inbox/stats"
)

func message(id, subject, body string) model.Message {
	return model.Message{
		ID:     id,
		Header: map[string]string{"Subject": subject},
		Root: model.Part{
			MediaType: "text/plain",
			Encoding:  model.EncodingBase64URL,
			Body:      []byte(decode.EncodeBase64URL([]byte(body))),
		},
	}
}

func job(name, query string) Job {
	cfg := acquire.DefaultConfig()
	cfg.Query = query
	cfg.MaxAttempts = 2
	cfg.AttemptDelay = 10 * time.Millisecond
	return Job{Name: name, Config: cfg}
}

func TestRunnerConcurrentJobs(t *testing.T) {
	mem := mailbox.NewMemory(
		message("login-msg", "Codigo de acceso", "Tu codigo es 135790"),
		message("transfer-msg", "Token de transferencia", "Tu token es 246802"),
	)
	ledger := state.NewMemoryTracker()

	r, err := New(context.Background(), mem, ledger, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := r.Add(job("login", "subject:acceso")); err != nil {
		t.Fatal(err)
	}
	transfer := job("transfer", "subject:transferencia")
	transfer.InitialDelay = 20 * time.Millisecond
	if err := r.Add(transfer); err != nil {
		t.Fatal(err)
	}

	collector := stats.NewCollector()
	r.SubscribeStats("collector", func(ctx context.Context, events <-chan stats.Event) error {
		return stats.Forward(ctx, events, collector)
	})
	calls := make(map[string]bool)
	r.SubscribeStats("calls", func(ctx context.Context, events <-chan stats.Event) error {
		for evt := range events {
			calls[evt.Call] = true
		}
		return nil
	})

	results, err := r.Start()
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	want := map[string]string{"login": "135790", "transfer": "246802"}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	for i, name := range []string{"login", "transfer"} {
		if results[i].Name != name || results[i].Code.Value != want[name] || results[i].Err != nil {
			t.Errorf("results[%d] = %+v", i, results[i])
		}
	}
	if results[1].Duration < 20*time.Millisecond {
		t.Errorf("transfer ran for %v, want at least the initial delay", results[1].Duration)
	}

	if got := collector.Snapshot().Matched; got != 2 {
		t.Errorf("Matched = %d, want 2", got)
	}
	if !calls["login"] || !calls["transfer"] {
		t.Errorf("event call ids = %v", calls)
	}
	if !ledger.AlreadyConsumed("login-msg") || !ledger.AlreadyConsumed("transfer-msg") {
		t.Error("expected both winners in the ledger")
	}
}

func TestRunnerFailFast(t *testing.T) {
	mem := mailbox.NewMemory()
	r, err := New(context.Background(), mem, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.SetFailFast(true)

	slow := job("slow", "OTP")
	slow.Config.MaxAttempts = 100
	slow.Config.AttemptDelay = time.Second
	broken := job("broken", "OTP")
	broken.Config.Pattern = "("

	if err := r.Add(slow); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(broken); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	results, err := r.Start()
	if !errors.Is(err, acquire.ErrMisconfiguredPattern) {
		t.Fatalf("Start() error = %v, want ErrMisconfiguredPattern", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("slow job was not cancelled")
	}
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Errorf("slow result error = %v, want context.Canceled", results[0].Err)
	}
}

func TestRunnerIndependentFailures(t *testing.T) {
	mem := mailbox.NewMemory(message("m1", "OTP", "code 111222"))
	r, err := New(context.Background(), mem, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	missing := job("missing", "subject:nothing-here")
	missing.Config.AttemptDelay = 0
	if err := r.Add(missing); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(job("found", "OTP")); err != nil {
		t.Fatal(err)
	}

	results, err := r.Start()
	if !errors.Is(err, acquire.ErrNotFound) {
		t.Fatalf("Start() error = %v, want ErrNotFound", err)
	}
	if results[1].Code.Value != "111222" {
		t.Errorf("found result = %+v, want code despite the other failure", results[1])
	}
}

func TestRunnerAdd(t *testing.T) {
	r, err := New(context.Background(), mailbox.NewMemory(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Add(Job{}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Add(job("a", "OTP")); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(job("a", "OTP")); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("Add(duplicate) error = %v", err)
	}

	if _, err := New(context.Background(), nil, nil, nil); err == nil {
		t.Error("expected error for nil session")
	}
}
