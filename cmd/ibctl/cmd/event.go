package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/integration_builder/internal/event"
	"github.com/austindbirch/integration_builder/internal/ingest"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish domain events",
}

var publishCmd = &cobra.Command{
	Use:   "publish [event-name] [payload-json]",
	Short: "Publish a domain event for fan-out",
	Long: `Publish a domain event envelope. By default it is posted to the admin API
and fanned out immediately; with --nsqd it is written to the events topic
the engine consumes.

Examples:
  ibctl event publish OrderCreated '{"orderId":"o-1","total":12.5}' --tenant t1
  ibctl event publish OrderCreated '{"orderId":"o-1"}' --tenant t1 --nsqd localhost:4150`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parseObject(args[1])
		if err != nil {
			return fmt.Errorf("invalid payload JSON: %w", err)
		}
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = uuid.NewString()
		}
		source, _ := cmd.Flags().GetString("source")
		subject, _ := cmd.Flags().GetString("subject")

		env := event.Envelope{
			ID:            id,
			Name:          args[0],
			SchemaVersion: 1,
			OccurredAt:    time.Now().UTC(),
			Source:        source,
			CompanyID:     tenantID,
			SubjectID:     subject,
			Payload:       payload,
		}

		if addr, _ := cmd.Flags().GetString("nsqd"); addr != "" {
			topic, _ := cmd.Flags().GetString("topic")
			return publishNSQ(cmd, addr, topic, env)
		}

		var resp struct {
			EventID string `json:"eventId"`
			Fanout  int    `json:"fanout"`
		}
		if err := apiRequest(cmd.Context(), "POST", "/v1/events", env, &resp); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published event: %s\n", resp.EventID)
		fmt.Fprintf(cmd.OutOrStdout(), "  Fanout count: %d\n", resp.Fanout)
		return nil
	},
}

func publishNSQ(cmd *cobra.Command, addr, topic string, env event.Envelope) error {
	if env.CompanyID == "" {
		return fmt.Errorf("--tenant is required when publishing to NSQ")
	}
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return fmt.Errorf("nsq producer: %w", err)
	}
	defer producer.Stop()

	if err := ingest.NewPublisher(producer, topic).Publish(cmd.Context(), env); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Published event %s to %s\n", env.ID, topic)
	return nil
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("id", "", "event id (default: random UUID); reuse it to test idempotency")
	publishCmd.Flags().String("source", "ibctl", "event source")
	publishCmd.Flags().String("subject", "", "subject id")
	publishCmd.Flags().String("nsqd", "", "publish to this nsqd TCP address instead of the admin API")
	publishCmd.Flags().String("topic", "domain_events", "NSQ events topic")
}
