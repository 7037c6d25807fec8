package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/otp-inbox/acquire"
	"github.com/dhcgn/otp-inbox/config"
	"github.com/dhcgn/otp-inbox/gmail"
	"github.com/dhcgn/otp-inbox/mailbox"
)

const (
	checkAttempts      = 3
	checkDelay         = 2 * time.Second
	checkMaxAgeMinutes = 5
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify that the mailbox can be searched",
	Long: `check runs a short acquisition without marking anything consumed. Finding
no code still means the connection works; an invalid session needs a new
authorization.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		e, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if s, ok := e.session.(*gmail.Session); ok {
			address, err := s.Profile(ctx)
			if err != nil {
				return profileError(e.cfg, err)
			}
			pterm.Info.Printf("Gmail account: %s\n", address)
		}

		acqCfg, err := e.cfg.Profiles[e.cfg.Selected[0]].AcquireConfig()
		if err != nil {
			return err
		}
		acqCfg.MaxAttempts = checkAttempts
		acqCfg.AttemptDelay = checkDelay
		acqCfg.MaxAgeMinutes = checkMaxAgeMinutes
		acqCfg.MarkConsumed = false

		code, err := acquire.Acquire(ctx, e.session, acqCfg, acquire.WithLogger(e.logger))
		switch {
		case err == nil:
			pterm.Success.Printf("Connection works, latest code came from message %s\n", code.MessageID)
			return nil
		case errors.Is(err, acquire.ErrNotFound):
			pterm.Success.Printf("Connection works, no code in the last %d minutes\n", checkMaxAgeMinutes)
			return nil
		case errors.Is(err, acquire.ErrSessionInvalid):
			return reauthorize(e.cfg, err)
		default:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

// profileError adds the re-authorization hint only when the credentials
// were rejected; timeouts and server errors are reported as they are.
func profileError(cfg config.Config, err error) error {
	if mailbox.IsSessionInvalid(err) {
		return reauthorize(cfg, err)
	}
	return fmt.Errorf("read account profile: %w", err)
}

func reauthorize(cfg config.Config, err error) error {
	switch cfg.Provider {
	case config.ProviderGmail:
		return fmt.Errorf("%w (refresh the token at %s)", err, cfg.GmailToken)
	case config.ProviderIMAP:
		return fmt.Errorf("%w (update the password with: otp-inbox credential set %s --imap-host %s)", err, cfg.IMAPUser, cfg.IMAPHost)
	}
	return err
}
