package cmd

import (
	"encoding/json"
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/event"
)

var connectorCmd = &cobra.Command{
	Use:     "connector",
	Aliases: []string{"connectors", "conn"},
	Short:   "Manage outbound connectors",
	Long:    `List, inspect, apply, delete and preview the tenant's outbound connectors.`,
}

var connectorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Connectors []connector.Connector `json:"connectors"`
		}
		if err := apiRequest(cmd.Context(), "GET", "/v1/connectors", nil, &resp); err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), resp)
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEVENT\tENABLED\tMETHOD\tURL")
		for _, c := range resp.Connectors {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n", c.ID, c.Name, c.SourceEvent, c.Active(), c.Method, c.URL)
		}
		return w.Flush()
	},
}

var connectorGetCmd = &cobra.Command{
	Use:   "get [connector-id]",
	Short: "Show one connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var c connector.Connector
		if err := apiRequest(cmd.Context(), "GET", "/v1/connectors/"+url.PathEscape(args[0]), nil, &c); err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), c)
			return nil
		}
		printConnector(cmd, c)
		return nil
	},
}

var connectorApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create or update a connector from a JSON file",
	Long: `Create or update a connector. The file holds a connector spec; an id
in the spec updates that connector, no id creates a new one.

Example:
  ibctl connector apply -f orders-webhook.json
  cat spec.json | ibctl connector apply -f -`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		b, err := readInput(cmd, file)
		if err != nil {
			return fmt.Errorf("read spec: %w", err)
		}
		var spec connector.Spec
		if err := json.Unmarshal(b, &spec); err != nil {
			return fmt.Errorf("parse spec: %w", err)
		}

		var c connector.Connector
		if err := apiRequest(cmd.Context(), "PUT", "/v1/connectors", spec, &c); err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), c)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Applied connector: %s\n", c.ID)
		return nil
	},
}

var connectorDeleteCmd = &cobra.Command{
	Use:   "delete [connector-id]",
	Short: "Disable and tombstone a connector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiRequest(cmd.Context(), "DELETE", "/v1/connectors/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted connector: %s\n", args[0])
		return nil
	},
}

var connectorPreviewCmd = &cobra.Command{
	Use:   "preview [connector-id]",
	Short: "Render a connector's request against a sample event",
	Long: `Render the method, URL, headers and body a connector would send, without
sending anything. Credential headers are masked.

Examples:
  ibctl connector preview 6f1c... --payload '{"orderId":"o-1"}'
  ibctl connector preview --file draft.json --sample event.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var req connector.PreviewRequest
		if len(args) == 1 {
			req.ConnectorID = args[0]
		}
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			b, err := readInput(cmd, file)
			if err != nil {
				return fmt.Errorf("read spec: %w", err)
			}
			var spec connector.Spec
			if err := json.Unmarshal(b, &spec); err != nil {
				return fmt.Errorf("parse spec: %w", err)
			}
			req.Connector = &spec
		}
		if req.ConnectorID == "" && req.Connector == nil {
			return fmt.Errorf("pass a connector id or --file")
		}

		sample, err := sampleFromFlags(cmd)
		if err != nil {
			return err
		}
		req.Sample = sample

		var res connector.PreviewResult
		if err := apiRequest(cmd.Context(), "POST", "/v1/connectors/preview", req, &res); err != nil {
			return err
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), res)
			return nil
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", res.Method, res.URL)
		for k, v := range res.Headers {
			fmt.Fprintf(out, "%s: %s\n", k, v)
		}
		if len(res.Body) > 0 {
			fmt.Fprintf(out, "\n%s\n", res.Body)
		}
		if !res.SecretResolved {
			fmt.Fprintln(out, "\n(no secret resolved)")
		}
		return nil
	},
}

func sampleFromFlags(cmd *cobra.Command) (*event.Envelope, error) {
	if path, _ := cmd.Flags().GetString("sample"); path != "" {
		b, err := readInput(cmd, path)
		if err != nil {
			return nil, fmt.Errorf("read sample: %w", err)
		}
		var env event.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, fmt.Errorf("parse sample: %w", err)
		}
		return &env, nil
	}
	if p, _ := cmd.Flags().GetString("payload"); p != "" {
		payload, err := parseObject(p)
		if err != nil {
			return nil, err
		}
		return &event.Envelope{Payload: payload}, nil
	}
	return nil, nil
}

func printConnector(cmd *cobra.Command, c connector.Connector) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connector: %s\n", c.ID)
	fmt.Fprintf(out, "  Name: %s\n", c.Name)
	fmt.Fprintf(out, "  Source event: %s\n", c.SourceEvent)
	fmt.Fprintf(out, "  Enabled: %v\n", c.Active())
	fmt.Fprintf(out, "  Destination: %s %s %s\n", c.DestinationType, c.Method, c.URL)
	fmt.Fprintf(out, "  Auth: %s\n", c.AuthMode)
	fmt.Fprintf(out, "  Retry: %d attempts, %dms base\n", c.RetryMaxAttempts, c.RetryBackoffBaseMs)
	fmt.Fprintf(out, "  Timeout: %dms\n", c.TimeoutMs)
	fmt.Fprintf(out, "  Last success: %s\n", formatTime(c.LastSuccessAt))
	fmt.Fprintf(out, "  Last failure: %s\n", formatTime(c.LastFailureAt))
	if c.LastError != "" {
		fmt.Fprintf(out, "  Last error: %s\n", c.LastError)
	}
	if c.DeletedAt != nil {
		fmt.Fprintf(out, "  Deleted: %s\n", formatTime(c.DeletedAt))
	}
}

func init() {
	rootCmd.AddCommand(connectorCmd)
	connectorCmd.AddCommand(connectorListCmd, connectorGetCmd, connectorApplyCmd, connectorDeleteCmd, connectorPreviewCmd)

	connectorApplyCmd.Flags().StringP("file", "f", "", "connector spec JSON file, - for stdin")
	_ = connectorApplyCmd.MarkFlagRequired("file")

	connectorPreviewCmd.Flags().StringP("file", "f", "", "unsaved connector spec JSON file to preview")
	connectorPreviewCmd.Flags().String("sample", "", "sample event envelope JSON file")
	connectorPreviewCmd.Flags().String("payload", "", "sample event payload as a JSON object")
}
