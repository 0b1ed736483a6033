package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/catalog"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/conform"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/evidence"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/verifier"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := catalog.Default()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "%s %s\n", evidence.ToolName, conform.ToolVersion)
			_, _ = fmt.Fprintf(a.stdout, "catalog:  %s (sha256:%s)\n", cat.Version, cat.Digest)
			_, _ = fmt.Fprintf(a.stdout, "bundle:   %s\n", evidence.BundleVersion)
			_, _ = fmt.Fprintf(a.stdout, "verifier: %s\n", verifier.VerifierVersion)
			return nil
		},
	}
}
