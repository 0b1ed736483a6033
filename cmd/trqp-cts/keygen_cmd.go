package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/config"
	"github.com/sankarshanmukhopadhyay/trqp-conformance-suite/pkg/crypto"
)

func newKeygenCmd(a *app) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a manifest signing key",
		Long: `Generate an Ed25519 signing key. Put signing_key_b64 in the SUT file
(or $` + config.EnvSigningKey + `) and hand public_key_b64 to whoever runs
"trqp-cts verify".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			signer, err := crypto.GenerateSigner(rand.Reader)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if jsonOutput {
				data, _ := json.MarshalIndent(map[string]string{
					"signing_key_b64": signer.SeedB64(),
					"public_key_b64":  signer.PublicKeyB64(),
				}, "", "  ")
				_, _ = fmt.Fprintln(a.stdout, string(data))
				return nil
			}
			_, _ = fmt.Fprintf(a.stdout, "signing_key_b64: %s\n", signer.SeedB64())
			_, _ = fmt.Fprintf(a.stdout, "public_key_b64:  %s\n", signer.PublicKeyB64())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the key pair as JSON")
	return cmd
}
