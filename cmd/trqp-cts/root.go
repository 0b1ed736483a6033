package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// app holds the writers and global options shared by every command.
type app struct {
	stdout io.Writer
	stderr io.Writer

	logLevel  string
	logFormat string
	logger    *slog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	opts := &runOptions{}

	root := &cobra.Command{
		Use:   "trqp-cts",
		Short: "TRQP conformance test suite",
		Long: `trqp-cts drives a declarative catalog of test cases against a TRQP trust
registry and writes an auditable evidence directory: per-case records,
verdicts, a hash manifest (signed for high-assurance profiles), a zip
bundle, an artifact index and a checksum ledger.

Running the root command with --profile, --sut and --out is the same as
"trqp-cts run".`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(a.stderr, a.logLevel, a.logFormat)
			if err != nil {
				return usageErrorf("%v", err)
			}
			a.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.profile == "" && opts.sut == "" && opts.out == "" {
				_ = cmd.Help()
				return usageErrorf("--profile, --sut and --out are required")
			}
			return a.runConformance(cmd.Context(), opts)
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: exitConfig, err: err}
	})

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "text", "log format (text|json)")
	opts.addFlags(root)

	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newRunCmd(a),
		newVerifyCmd(a),
		newIndexCmd(a),
		newKeygenCmd(a),
		newHistoryCmd(a),
		newPreflightCmd(a),
		newVersionCmd(a),
	)
	return root
}
