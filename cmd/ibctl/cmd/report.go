package cmd

import (
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/integration_builder/internal/report"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics [connector-id]",
	Short: "Show delivery metrics for one connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		window, _ := cmd.Flags().GetDuration("window")
		path := "/v1/connectors/" + url.PathEscape(args[0]) + "/metrics?window=" + url.QueryEscape(window.String())

		var m report.ConnectorMetrics
		if err := apiRequest(cmd.Context(), "GET", path, nil, &m); err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), m)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Connector %s (%s), last %s\n", m.ConnectorID, m.Name, window)
		fmt.Fprintf(out, "  Total: %d\n", m.Total)
		fmt.Fprintf(out, "  Success: %d\n", m.Success)
		fmt.Fprintf(out, "  Retry scheduled: %d\n", m.RetryScheduled)
		fmt.Fprintf(out, "  Failed: %d\n", m.Failed)
		fmt.Fprintf(out, "  DLQ: %d\n", m.DLQ)
		fmt.Fprintf(out, "  P95 duration: %dms\n", m.P95DurationMs)
		fmt.Fprintf(out, "  Avg attempts: %.2f\n", m.AvgAttempts)
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the tenant summary pushed to the control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		var s report.Summary
		if err := apiRequest(cmd.Context(), "GET", "/v1/summary", nil, &s); err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), s)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Tenant %s on %s at %s\n", s.CompanyID, s.InstanceID, s.CapturedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "  Connectors: %d (%d active)\n", s.ConnectorsTotal, s.ConnectorsActive)
		fmt.Fprintf(out, "  Deliveries 24h: %d ok, %d failed\n", s.DeliveriesSuccess24h, s.DeliveriesFailed24h)
		fmt.Fprintf(out, "  DLQ open: %d\n", s.DLQOpen)
		if len(s.PerConnector) == 0 {
			return nil
		}

		fmt.Fprintln(out)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CONNECTOR\tNAME\tTOTAL\tSUCCESS\tDLQ\tP95MS")
		for _, m := range s.PerConnector {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\n", m.ConnectorID, m.Name, m.Total, m.Success, m.DLQ, m.P95DurationMs)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(metricsCmd, summaryCmd)
	metricsCmd.Flags().Duration("window", report.DefaultWindow, "metrics window")
}
