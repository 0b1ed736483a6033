package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/crypto"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/verifier"
)

// envPublicKey supplies --public-key when the flag is not given.
const envPublicKey = "TRQP_CTS_PUBLIC_KEY_B64"

func newVerifyCmd(a *app) *cobra.Command {
	var (
		out              string
		publicKey        string
		requireSignature bool
		jsonOutput       bool
		jsonOutFile      string
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify an evidence directory offline",
		Long: `Re-hash every file listed in manifest.json, check checksums.json and the
bundle descriptor against the files on disk, verify manifest.sig with the
given public key and confirm bundle.zip holds every manifest path.

Exit codes:
  0  verification passed
  1  verification failed
  2  invalid arguments`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return usageErrorf("--out is required")
			}
			if info, err := os.Stat(out); err != nil || !info.IsDir() {
				return usageErrorf("evidence directory %q not found", out)
			}
			if publicKey == "" {
				publicKey = os.Getenv(envPublicKey)
			}

			opts := verifier.Options{RequireSignature: requireSignature, Label: out}
			if publicKey != "" {
				pub, err := crypto.ParsePublicKey(publicKey)
				if err != nil {
					return usageErrorf("--public-key: %v", err)
				}
				opts.PublicKey = pub
			}

			report, err := verifier.Verify(afero.NewReadOnlyFs(afero.NewBasePathFs(afero.NewOsFs(), out)), opts)
			if err != nil {
				return err
			}

			if jsonOutFile != "" {
				data, _ := json.MarshalIndent(report, "", "  ")
				if err := os.WriteFile(jsonOutFile, data, 0o644); err != nil {
					return fmt.Errorf("write audit report: %w", err)
				}
				_, _ = fmt.Fprintf(a.stdout, "Audit report written to %s\n", jsonOutFile)
			}

			if jsonOutput {
				data, _ := json.MarshalIndent(report, "", "  ")
				_, _ = fmt.Fprintln(a.stdout, string(data))
			} else {
				printVerifyReport(a, report)
			}

			if !report.Verified {
				return &exitError{code: exitFailure, err: fmt.Errorf("verification failed: %d issue(s)", report.IssueCount)}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&out, "out", "", "evidence directory (required)")
	f.StringVar(&publicKey, "public-key", "", "base64 Ed25519 public key for manifest.sig (default: $"+envPublicKey+")")
	f.BoolVar(&requireSignature, "require-signature", false, "fail when manifest.sig is absent")
	f.BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	f.StringVar(&jsonOutFile, "json-out", "", "also write the JSON report to this file")
	return cmd
}

func printVerifyReport(a *app, report *verifier.VerifyReport) {
	if report.Verified {
		_, _ = fmt.Fprintf(a.stdout, "Evidence verification PASSED\n")
		_, _ = fmt.Fprintf(a.stdout, "Directory: %s\n", report.OutDir)
		_, _ = fmt.Fprintf(a.stdout, "Checks: %s\n", report.Summary)
		return
	}
	_, _ = fmt.Fprintf(a.stdout, "Evidence verification FAILED\n")
	_, _ = fmt.Fprintf(a.stdout, "Directory: %s\n", report.OutDir)
	for _, c := range report.Failures() {
		_, _ = fmt.Fprintf(a.stdout, "  - %s: %s\n", c.Name, c.Reason)
	}
}
