package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
)

func newIndexCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Rebuild bundle_descriptor.json and checksums.json",
		Long: `Rebuild the artifact index and checksum ledger of a finished evidence
directory. Running it twice over an unchanged directory produces identical
files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return usageErrorf("--out is required")
			}
			if info, err := os.Stat(out); err != nil || !info.IsDir() {
				return usageErrorf("evidence directory %q not found", out)
			}
			desc, sums, err := evidence.WriteIndex(afero.NewBasePathFs(afero.NewOsFs(), out))
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			a.logger.DebugContext(cmd.Context(), "index rebuilt", "run_digest", desc.RunDigest)
			_, _ = fmt.Fprintf(a.stdout, "OK: indexed %d artifacts, %d checksums in %s\n",
				len(desc.ArtifactIndex), len(sums.Entries), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "evidence directory (required)")
	return cmd
}
