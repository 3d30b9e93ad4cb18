package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the engine",
	Long:  `Send a ping request to verify the engine's admin API is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Message string `json:"message"`
		}
		if err := apiRequest(cmd.Context(), "GET", "/v1/ping", nil, &resp); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pong! Engine is running: %s\n", resp.Message)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the engine's /healthz endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		var status map[string]any
		if err := apiRequest(cmd.Context(), "GET", "/healthz", nil, &status); err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), status)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Engine is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd, healthCmd)
}
