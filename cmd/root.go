package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/otp-inbox/config"
	"github.com/dhcgn/otp-inbox/credential"
	"github.com/dhcgn/otp-inbox/gmail"
	"github.com/dhcgn/otp-inbox/imap"
	"github.com/dhcgn/otp-inbox/mailbox"
	"github.com/dhcgn/otp-inbox/mbox"
	"github.com/dhcgn/otp-inbox/state"
)

var rootCmd = &cobra.Command{
	Use:   "otp-inbox",
	Short: "Read one-time passcodes from a mailbox",
	Long: `otp-inbox polls a Gmail, IMAP or mbox mailbox for a recent message that
carries a one-time passcode, prints the code and marks the message consumed.`,
	SilenceUsage: true,
}

// Execute registers the shared flags and runs the root command.
func Execute() error {
	if err := config.RegisterFlags(rootCmd); err != nil {
		return fmt.Errorf("failed to register CLI flags: %w", err)
	}
	return rootCmd.Execute()
}

// env bundles what every acquisition command needs.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	session mailbox.Session
	ledger  state.Tracker
	cleanup []func() error
}

func (e *env) Close() {
	for i := len(e.cleanup) - 1; i >= 0; i-- {
		if err := e.cleanup[i](); err != nil {
			e.logger.Warn("cleanup failed", "err", err)
		}
	}
}

// setup loads the config, builds the logger and opens the mailbox session
// and the ledger. The caller must Close the returned env.
func setup(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg, err := config.LoadConfig(cmd, keyringLookup)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	e := &env{cfg: cfg, logger: logger, cleanup: []func() error{closeLog}}

	e.session, err = openSession(ctx, cfg, logger, e)
	if err != nil {
		e.Close()
		return nil, err
	}

	ledger, err := state.Open(cfg.StateDriver, cfg.StateDSN)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	e.cleanup = append(e.cleanup, ledger.Close)

	scope := ledgerScope(cfg, e.session)
	e.ledger = state.Scoped(ledger, scope)

	logger.Debug("session ready", "provider", cfg.Provider, "ledger", cfg.StateDriver, "scope", scope, "profiles", cfg.Selected)
	return e, nil
}

func openSession(ctx context.Context, cfg config.Config, logger *slog.Logger, e *env) (mailbox.Session, error) {
	switch cfg.Provider {
	case config.ProviderGmail:
		ts, err := gmail.TokenSource(ctx, cfg.GmailCredentials, cfg.GmailToken)
		if err != nil {
			return nil, err
		}
		return gmail.NewWithTokenSource(ctx, gmail.Options{IncludeSpamTrash: cfg.IncludeSpamTrash}, ts, logger)

	case config.ProviderIMAP:
		session, err := imap.Dial(ctx, imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			Security:           imap.Security(cfg.IMAPSecurity),
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.IMAPMailbox,
		}, logger)
		if err != nil {
			return nil, err
		}
		e.cleanup = append(e.cleanup, session.Close)
		return session, nil

	case config.ProviderMbox:
		opts := mbox.Options{Path: cfg.MboxPath}
		if !cfg.MboxAsOf.IsZero() {
			asOf := cfg.MboxAsOf
			opts.Now = func() time.Time { return asOf }
		}
		return mbox.Open(ctx, opts, logger)
	}
	return nil, fmt.Errorf("invalid --provider: %s", cfg.Provider)
}

// ledgerScope names the id namespace of session. Sessions that know it
// better (IMAP folders with their UIDVALIDITY) report it themselves.
func ledgerScope(cfg config.Config, session mailbox.Session) string {
	if s, ok := session.(mailbox.Scoper); ok {
		return s.LedgerScope()
	}
	switch cfg.Provider {
	case config.ProviderGmail:
		return "gmail:" + absPath(cfg.GmailToken)
	case config.ProviderMbox:
		return "mbox:" + absPath(cfg.MboxPath)
	}
	return cfg.Provider
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// keyringLookup treats an unavailable keyring like an empty one so the
// config validation can name the missing password.
func keyringLookup(key string) (string, error) {
	store, err := credential.Open()
	if err != nil {
		slog.Debug("keyring unavailable", "err", err)
		return "", nil
	}
	return store.Lookup(key)
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	// stdout carries the code; logs go to stderr.
	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("otp-inbox-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
