package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/otp-inbox/acquire"
	"github.com/dhcgn/otp-inbox/filter"
)

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Wait for a passcode mail and print the code",
	Example: `  otp-inbox acquire
  otp-inbox acquire --profile transfer
  otp-inbox acquire --provider imap --imap-host imap.example.com --imap-user me --query "from:bank"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		e, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if len(e.cfg.Selected) != 1 {
			return fmt.Errorf("acquire runs one profile, use batch for %d", len(e.cfg.Selected))
		}
		name := e.cfg.Selected[0]
		profile := e.cfg.Profiles[name]

		acqCfg, err := profile.AcquireConfig()
		if err != nil {
			return err
		}
		f, err := filter.New(e.cfg.FilterOptions())
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		logger := e.logger.With("profile", name)
		logger.Info("starting acquisition", acqCfg.LogAttrs()...)

		if profile.InitialDelay > 0 {
			logger.Debug("waiting before first search", "delay", profile.InitialDelay)
			if err := wait(ctx, profile.InitialDelay); err != nil {
				return err
			}
		}

		code, err := acquire.Acquire(ctx, e.session, acqCfg,
			acquire.WithLogger(logger),
			acquire.WithLedger(e.ledger),
			acquire.WithFilter(f),
		)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), code.Value)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(acquireCmd)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
