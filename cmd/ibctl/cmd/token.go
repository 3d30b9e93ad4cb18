package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/integration_builder/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin JWT for local development",
	Long: `Sign an RS256 token carrying the --tenant claim with a local private key.
The engine must be configured with the matching public key.

Example:
  ibctl token --tenant t1 --key dev/jwt-private.pem --ttl 8h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tenantID == "" {
			return fmt.Errorf("--tenant is required")
		}
		keyFile, _ := cmd.Flags().GetString("key")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		iss, err := auth.NewIssuer(string(pem), issuer, audience)
		if err != nil {
			return err
		}
		tok, err := iss.Issue(tenantID, ttl)
		if err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), map[string]any{
				"token":     tok,
				"tenantId":  tenantID,
				"expiresAt": time.Now().Add(ttl).UTC(),
			})
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("key", "", "RSA private key PEM file")
	tokenCmd.Flags().String("issuer", "integration-builder", "iss claim")
	tokenCmd.Flags().String("audience", "integration-builder-admin", "aud claim")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("key")
}
