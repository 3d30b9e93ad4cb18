package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/integration_builder/internal/delivery"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead-lettered deliveries",
}

var dlqListCmd = &cobra.Command{
	Use:   "list [connector-id]",
	Short: "List a connector's DLQ deliveries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		path := "/v1/connectors/" + url.PathEscape(args[0]) + "/dlq?limit=" + strconv.Itoa(limit)

		var resp struct {
			Deliveries []delivery.Delivery `json:"deliveries"`
		}
		if err := apiRequest(cmd.Context(), "GET", path, nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), resp)
			return nil
		}
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "DLQ is empty")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEVENT\tATTEMPTS\tLAST ATTEMPT\tERROR")
		for _, d := range resp.Deliveries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", d.ID, d.EventID, d.AttemptCount, formatTime(d.LastAttemptAt), delivery.Truncate(d.LastError, 60))
		}
		return w.Flush()
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue [connector-id]",
	Short: "Move every DLQ delivery of a connector back to PENDING",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Requeued int `json:"requeued"`
		}
		path := "/v1/connectors/" + url.PathEscape(args[0]) + "/dlq/requeue"
		if err := apiRequest(cmd.Context(), "POST", path, nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d deliveries\n", resp.Requeued)
		return nil
	},
}

var deliveryGetCmd = &cobra.Command{
	Use:   "delivery [delivery-id]",
	Short: "Show one delivery with its last request and response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d delivery.Delivery
		if err := apiRequest(cmd.Context(), "GET", "/v1/deliveries/"+url.PathEscape(args[0]), nil, &d); err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), d)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Delivery: %s\n", d.ID)
		fmt.Fprintf(out, "  Connector: %s\n", d.ConnectorID)
		fmt.Fprintf(out, "  Event: %s (%s)\n", d.EventID, d.SourceEvent)
		fmt.Fprintf(out, "  Status: %s\n", d.Status)
		fmt.Fprintf(out, "  Attempts: %d\n", d.AttemptCount)
		fmt.Fprintf(out, "  Next attempt: %s\n", formatTime(d.NextAttemptAt))
		fmt.Fprintf(out, "  Last attempt: %s\n", formatTime(d.LastAttemptAt))
		if d.ResponseStatus != 0 {
			fmt.Fprintf(out, "  Response status: %d (%dms)\n", d.ResponseStatus, d.DurationMs)
		}
		if d.LastError != "" {
			fmt.Fprintf(out, "  Last error: %s\n", d.LastError)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd, deliveryGetCmd)
	dlqCmd.AddCommand(dlqListCmd, dlqRequeueCmd)

	dlqListCmd.Flags().Int("limit", 50, "maximum deliveries to list")
}
