package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/austindbirch/integration_builder/internal/tracing"
)

const DLQType = "integration.delivery.dlq"

// DeadLetter is the notice published when a delivery parks in DLQ
type DeadLetter struct {
	Type         string            `json:"type"`    // "integration.delivery.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the delivery entered DLQ
	Reason       string            `json:"reason"`
	TenantID     string            `json:"tenant_id"`
	ConnectorID  string            `json:"connector_id"`
	DeliveryID   string            `json:"delivery_id"`
	EventID      string            `json:"event_id"`
	SourceEvent  string            `json:"source_event"`
	Attempt      int               `json:"attempt"`
	HTTPStatus   int               `json:"http_status,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	Envelope     json.RawMessage   `json:"envelope,omitempty"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(d Delivery, o Outcome, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:        DLQType,
		Version:     "v1",
		At:          at.UTC().Format(time.RFC3339Nano),
		Reason:      reason,
		TenantID:    d.TenantID,
		ConnectorID: d.ConnectorID,
		DeliveryID:  d.ID,
		EventID:     d.EventID,
		SourceEvent: d.SourceEvent,
		Attempt:     o.AttemptCount,
		HTTPStatus:  o.ResponseStatus,
		LastError:   Truncate(o.Error, MaxErrorLen),
		Envelope:    d.Envelope,
	}
}

// publisher is satisfied by *nsq.Producer
type publisher interface {
	Publish(topic string, body []byte) error
}

// NSQNotifier publishes dead-letter notices to an NSQ topic
type NSQNotifier struct {
	producer publisher
	topic    string
}

func NewNSQNotifier(p publisher, topic string) *NSQNotifier {
	return &NSQNotifier{producer: p, topic: topic}
}

func (n *NSQNotifier) Notify(ctx context.Context, dl DeadLetter) error {
	if dl.TraceHeaders == nil {
		dl.TraceHeaders = tracing.InjectMap(ctx)
	}
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := n.producer.Publish(n.topic, body); err != nil {
		return fmt.Errorf("publish dead letter to %s: %w", n.topic, err)
	}
	return nil
}
