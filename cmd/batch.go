package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/otp-inbox/filter"
	"github.com/dhcgn/otp-inbox/progress"
	"github.com/dhcgn/otp-inbox/runner"
	"github.com/dhcgn/otp-inbox/stats"
)

var (
	failFast    bool
	showSummary bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Acquire several profiles concurrently over one session",
	Example: `  otp-inbox batch --profile login --profile transfer
  otp-inbox batch --profile login --profile transfer --fail-fast`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		e, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		f, err := filter.New(e.cfg.FilterOptions())
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		r, err := runner.New(ctx, e.session, e.ledger, e.logger)
		if err != nil {
			return fmt.Errorf("runner.New: %w", err)
		}
		r.SetFailFast(failFast)

		budgets := make(map[string]int, len(e.cfg.Selected))
		for _, name := range e.cfg.Selected {
			profile := e.cfg.Profiles[name]
			acqCfg, err := profile.AcquireConfig()
			if err != nil {
				return fmt.Errorf("profile %s: %w", name, err)
			}
			if err := r.Add(runner.Job{
				Name:         name,
				Config:       acqCfg,
				InitialDelay: profile.InitialDelay,
				Filter:       f,
			}); err != nil {
				return err
			}
			budgets[name] = acqCfg.MaxAttempts
		}

		reporter := stats.NewReporter(e.logger)
		spinners := progress.New(budgets, e.cfg.LogLevel)
		sink := stats.Fanout{reporter, spinners}
		r.SubscribeStats("stats", func(ctx context.Context, events <-chan stats.Event) error {
			return stats.Forward(ctx, events, sink)
		})

		started := time.Now()
		results, runErr := r.Start()
		spinners.Stop()
		reporter.Report()

		for _, res := range results {
			if res.Err != nil {
				e.logger.Error("profile failed", "profile", res.Name, "duration", res.Duration, "err", res.Err)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", res.Name, res.Code.Value)
		}

		if showSummary {
			progress.PrintSummary(reporter.Summary(), time.Since(started))
		}
		return runErr
	},
}

func init() {
	batchCmd.Flags().BoolVar(&failFast, "fail-fast", false, "Cancel the remaining profiles when one fails")
	batchCmd.Flags().BoolVar(&showSummary, "summary", false, "Print search statistics when done")
	rootCmd.AddCommand(batchCmd)
}
