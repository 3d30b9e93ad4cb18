package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/event"
)

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status    Status
		claimable bool
		terminal  bool
	}{
		{StatusPending, true, false},
		{StatusRetryScheduled, true, false},
		{StatusProcessing, false, false},
		{StatusSuccess, false, true},
		{StatusFailed, false, true},
		{StatusDLQ, false, true},
	}
	for _, tt := range tests {
		if got := tt.status.Claimable(); got != tt.claimable {
			t.Errorf("%s.Claimable() = %v, want %v", tt.status, got, tt.claimable)
		}
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestFor(t *testing.T) {
	c := connector.Connector{ID: "c1", TenantID: "t1", RetryMaxAttempts: 7}
	env := event.Envelope{ID: "evt1", Name: "OrderCreated", CompanyID: "t1", Payload: json.RawMessage(`{"a":1}`)}
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	nd, err := For(c, env, now)
	if err != nil {
		t.Fatalf("For() error = %v", err)
	}
	if nd.ID == "" || nd.ConnectorID != "c1" || nd.TenantID != "t1" || nd.EventID != "evt1" {
		t.Errorf("For() = %+v", nd)
	}
	if nd.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want copied 7", nd.MaxAttempts)
	}
	if !strings.Contains(string(nd.Envelope), `"payload":{"a":1}`) {
		t.Errorf("envelope snapshot = %s", nd.Envelope)
	}
}

func TestOutcomeValidate(t *testing.T) {
	next := time.Now()
	tests := []struct {
		name    string
		o       Outcome
		wantErr bool
	}{
		{"success", Outcome{Status: StatusSuccess}, false},
		{"dlq", Outcome{Status: StatusDLQ}, false},
		{"failed", Outcome{Status: StatusFailed}, false},
		{"retry with time", Outcome{Status: StatusRetryScheduled, NextAttemptAt: &next}, false},
		{"retry without time", Outcome{Status: StatusRetryScheduled}, true},
		{"processing is not an outcome", Outcome{Status: StatusProcessing}, true},
		{"pending is not an outcome", Outcome{Status: StatusPending}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.o.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadOutcome) {
				t.Errorf("error should wrap ErrBadOutcome: %v", err)
			}
		})
	}
}

func TestOutcomeNormalized(t *testing.T) {
	next := time.Now()
	o := Outcome{Status: StatusDLQ, NextAttemptAt: &next, Error: strings.Repeat("x", MaxErrorLen+50)}.normalized()
	if o.NextAttemptAt != nil {
		t.Error("DLQ must clear nextAttemptAt")
	}
	if len(o.Error) != MaxErrorLen {
		t.Errorf("error len = %d, want %d", len(o.Error), MaxErrorLen)
	}

	s := Outcome{Status: StatusSuccess, Error: "stale"}.normalized()
	if s.Error != "" {
		t.Error("success must clear the error")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate short = %q", got)
	}
	if got := TruncateBytes([]byte("abcdef"), 4); got != "abcd" {
		t.Errorf("TruncateBytes = %q", got)
	}
	// "é" is two bytes; cutting after its first byte must drop it
	if got := TruncateBytes([]byte("aé"), 2); got != "a" {
		t.Errorf("TruncateBytes split rune = %q", got)
	}
	if got := TruncateBytes([]byte("aé"), 3); got != "aé" {
		t.Errorf("TruncateBytes exact = %q", got)
	}
}

func TestNewDeadLetter(t *testing.T) {
	d := Delivery{ID: "d1", TenantID: "t1", ConnectorID: "c1", EventID: "e1", SourceEvent: "OrderCreated", Envelope: json.RawMessage(`{"id":"e1"}`)}
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	dl := NewDeadLetter(d, Outcome{Status: StatusDLQ, AttemptCount: 5, ResponseStatus: 503, Error: "HTTP 503: unavailable"}, "max attempts reached", at)

	if dl.Type != DLQType || dl.Version != "v1" {
		t.Errorf("type/version = %s/%s", dl.Type, dl.Version)
	}
	if dl.At != "2026-01-01T12:00:00Z" {
		t.Errorf("At = %s", dl.At)
	}
	if dl.Attempt != 5 || dl.HTTPStatus != 503 || dl.DeliveryID != "d1" {
		t.Errorf("dead letter = %+v", dl)
	}

	b, err := json.Marshal(dl)
	if err != nil {
		t.Fatal(err)
	}
	var back DeadLetter
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.ConnectorID != "c1" || string(back.Envelope) != `{"id":"e1"}` {
		t.Errorf("decoded = %+v", back)
	}
}

type fakeProducer struct {
	topic string
	body  []byte
	err   error
}

func (f *fakeProducer) Publish(topic string, body []byte) error {
	f.topic, f.body = topic, body
	return f.err
}

func TestNSQNotifier(t *testing.T) {
	p := &fakeProducer{}
	n := NewNSQNotifier(p, "integration_deliveries_dlq")
	if err := n.Notify(context.Background(), DeadLetter{Type: DLQType, DeliveryID: "d1"}); err != nil {
		t.Fatalf("Notify() = %v", err)
	}
	if p.topic != "integration_deliveries_dlq" {
		t.Errorf("topic = %s", p.topic)
	}
	if !strings.Contains(string(p.body), `"delivery_id":"d1"`) {
		t.Errorf("body = %s", p.body)
	}

	p.err = errors.New("nsqd down")
	if err := n.Notify(context.Background(), DeadLetter{}); err == nil {
		t.Error("Notify() should surface publish errors")
	}
}
