package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/history"
)

// envHistory supplies --history when the flag is not given.
const envHistory = "TRQP_CTS_HISTORY"

func newHistoryCmd(a *app) *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the run history ledger",
	}
	cmd.PersistentFlags().StringVar(&dsn, "history", "", "history ledger (sqlite://path or postgres://...; default: $"+envHistory+")")

	open := func(cmd *cobra.Command) (*history.Store, error) {
		if dsn == "" {
			dsn = os.Getenv(envHistory)
		}
		if dsn == "" {
			return nil, usageErrorf("--history is required")
		}
		return history.Open(cmd.Context(), dsn)
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(a.stdout, "No runs recorded.")
				return nil
			}
			_, _ = fmt.Fprintf(a.stdout, "%-36s  %-16s  %-27s  %5s %5s %5s %5s\n",
				"TEST RUN ID", "PROFILE", "ENDED AT", "PASS", "FAIL", "NA", "ERROR")
			for _, r := range runs {
				_, _ = fmt.Fprintf(a.stdout, "%-36s  %-16s  %-27s  %5d %5d %5d %5d\n",
					r.TestRunID, r.ProfileID, r.EndedAt, r.Pass, r.Fail, r.NotApplicable, r.Error)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")

	show := &cobra.Command{
		Use:   "show <test-run-id>",
		Short: "Show one run and its verdicts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := store.GetRun(cmd.Context(), args[0])
			if errors.Is(err, history.ErrNotFound) {
				return &exitError{code: exitFailure, err: fmt.Errorf("run %s not found", args[0])}
			}
			if err != nil {
				return err
			}
			verdicts, err := store.Verdicts(cmd.Context(), run.TestRunID)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(a.stdout, "Run:      %s\n", run.TestRunID)
			_, _ = fmt.Fprintf(a.stdout, "Profile:  %s\n", run.ProfileID)
			_, _ = fmt.Fprintf(a.stdout, "SUT:      %s\n", run.BaseURL)
			_, _ = fmt.Fprintf(a.stdout, "Started:  %s\n", run.StartedAt)
			_, _ = fmt.Fprintf(a.stdout, "Ended:    %s\n", run.EndedAt)
			_, _ = fmt.Fprintf(a.stdout, "Tool:     %s (catalog %s)\n", run.ToolVersion, run.CatalogVersion)
			_, _ = fmt.Fprintf(a.stdout, "Digest:   %s\n\n", run.RunDigest)
			for _, v := range verdicts {
				_, _ = fmt.Fprintf(a.stdout, "  %-14s  %-16s", v.Result, v.TestCaseID)
				if v.Reason != "" {
					_, _ = fmt.Fprintf(a.stdout, "  %s", v.Reason)
				}
				_, _ = fmt.Fprintln(a.stdout)
			}
			return nil
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
