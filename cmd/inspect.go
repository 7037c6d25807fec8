package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/otp-inbox/filter"
	"github.com/dhcgn/otp-inbox/mailbox"
	"github.com/dhcgn/otp-inbox/match"
	"github.com/dhcgn/otp-inbox/model"
	"github.com/dhcgn/otp-inbox/query"
	"github.com/dhcgn/otp-inbox/state"
)

var reportPath string

// Candidate verdicts shown by inspect.
const (
	verdictMatch    = "match"
	verdictNoMatch  = "no match"
	verdictNoText   = "no text"
	verdictFiltered = "filtered"
	verdictConsumed = "consumed"
	verdictError    = "fetch error"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Run one search round and show what every candidate would yield",
	Long: `inspect searches once with the selected profile and reports, per candidate,
whether it would produce a code. Nothing is marked consumed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		e, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		acqCfg, err := e.cfg.Profiles[e.cfg.Selected[0]].AcquireConfig()
		if err != nil {
			return err
		}
		matcher, err := match.New(acqCfg.Pattern, acqCfg.Target)
		if err != nil {
			return err
		}
		f, err := filter.New(e.cfg.FilterOptions())
		if err != nil {
			return fmt.Errorf("create filter: %w", err)
		}

		q := query.Build(acqCfg.Query, acqCfg.MaxAgeMinutes)
		pterm.Info.Printf("Query: %s\n", q)

		candidates, err := e.session.Search(ctx, q, acqCfg.ResultCap)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		rows := inspectCandidates(ctx, e.session, e.ledger, f, matcher, candidates)
		if err := renderRows(rows); err != nil {
			return err
		}

		if reportPath != "" {
			if err := saveCSVReport(rows, reportPath); err != nil {
				return fmt.Errorf("error saving CSV report: %w", err)
			}
			pterm.Info.Printf("Report saved to %s\n", reportPath)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringVarP(&reportPath, "output", "o", "", "Write the candidate table to this CSV file")
	rootCmd.AddCommand(inspectCmd)
}

type inspectRow struct {
	ID         string
	ReceivedAt time.Time
	From       string
	Subject    string
	Code       string
	Verdict    string
}

// inspectCandidates evaluates candidates the way an acquisition round
// would, without stopping at the first match.
func inspectCandidates(ctx context.Context, session mailbox.Session, ledger state.Tracker, f *filter.Filter, matcher *match.Matcher, candidates []model.Candidate) []inspectRow {
	rows := make([]inspectRow, 0, len(candidates))
	for _, cand := range candidates {
		row := inspectRow{ID: cand.ID, ReceivedAt: cand.ReceivedAt, Subject: cand.Subject}

		if ledger != nil && ledger.AlreadyConsumed(cand.ID) {
			row.Verdict = verdictConsumed
			rows = append(rows, row)
			continue
		}

		msg, err := session.Fetch(ctx, cand.ID)
		if err != nil {
			row.Verdict = verdictError
			rows = append(rows, row)
			continue
		}
		if !msg.ReceivedAt.IsZero() {
			row.ReceivedAt = msg.ReceivedAt
		}
		row.From, _ = msg.HeaderValue("From")
		if subject, ok := msg.HeaderValue("Subject"); ok {
			row.Subject = subject
		}

		switch text, ok := matcher.Source(msg); {
		case !f.Allows(msg):
			row.Verdict = verdictFiltered
		case !ok:
			row.Verdict = verdictNoText
		default:
			if code, found := matcher.Match(text); found {
				row.Code = code
				row.Verdict = verdictMatch
			} else {
				row.Verdict = verdictNoMatch
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func renderRows(rows []inspectRow) error {
	if len(rows) == 0 {
		pterm.Warning.Println("No candidates")
		return nil
	}
	data := pterm.TableData{{"ID", "Received", "From", "Subject", "Code", "Verdict"}}
	for _, r := range rows {
		data = append(data, []string{r.ID, formatTime(r.ReceivedAt), r.From, r.Subject, r.Code, r.Verdict})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func saveCSVReport(rows []inspectRow, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"ID", "Received", "From", "Subject", "Code", "Verdict"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := writer.Write([]string{r.ID, formatTime(r.ReceivedAt), r.From, r.Subject, r.Code, r.Verdict}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}
