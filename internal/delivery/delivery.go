// Package delivery is the persisted queue of webhook attempts. Stores own the
// status transitions; the dispatcher decides which transition to apply.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/event"
)

var (
	ErrNotFound      = errors.New("delivery not found")
	ErrNotProcessing = errors.New("delivery is not processing")
	ErrBadOutcome    = errors.New("invalid delivery outcome")
)

type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessing     Status = "PROCESSING"
	StatusSuccess        Status = "SUCCESS"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusDLQ            Status = "DLQ"
	StatusFailed         Status = "FAILED"
)

// Claimable reports whether a claim may move the status to PROCESSING
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusRetryScheduled
}

// Terminal reports statuses the dispatcher never leaves. DLQ is terminal until an operator requeues it.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusDLQ
}

const (
	// MaxErrorLen bounds last_error, in runes
	MaxErrorLen = 1000
	// DefaultMaxBodyBytes bounds response_body when the caller does not choose
	DefaultMaxBodyBytes = 4096

	ErrCodeConnectorInactive = "CONNECTOR_INACTIVE"
	ErrCodeStaleReclaimed    = "STALE_PROCESSING_RECLAIMED"
)

type Delivery struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenantId"`
	ConnectorID    string            `json:"connectorId"`
	EventID        string            `json:"eventId"`
	SourceEvent    string            `json:"sourceEvent"`
	Envelope       json.RawMessage   `json:"envelope"`
	Status         Status            `json:"status"`
	AttemptCount   int               `json:"attemptCount"`
	MaxAttempts    int               `json:"maxAttempts"`
	NextAttemptAt  *time.Time        `json:"nextAttemptAt,omitempty"`
	LastAttemptAt  *time.Time        `json:"lastAttemptAt,omitempty"`
	DeliveredAt    *time.Time        `json:"deliveredAt,omitempty"`
	DurationMs     int               `json:"durationMs"`
	RequestPayload string            `json:"requestPayload,omitempty"`
	RequestHeaders map[string]string `json:"requestHeaders,omitempty"`
	ResponseStatus int               `json:"responseStatus,omitempty"`
	ResponseBody   string            `json:"responseBody,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// NewDelivery is the input to Store.Enqueue
type NewDelivery struct {
	ID          string
	TenantID    string
	ConnectorID string
	EventID     string
	SourceEvent string
	Envelope    []byte
	MaxAttempts int
	At          time.Time
}

// For builds the enqueue input for one connector and envelope. MaxAttempts
// is copied so later connector edits don't change in-flight deliveries.
func For(c connector.Connector, env event.Envelope, now time.Time) (NewDelivery, error) {
	snapshot, err := env.Snapshot()
	if err != nil {
		return NewDelivery{}, fmt.Errorf("snapshot envelope: %w", err)
	}
	return NewDelivery{
		ID:          uuid.NewString(),
		TenantID:    c.TenantID,
		ConnectorID: c.ID,
		EventID:     env.ID,
		SourceEvent: env.Name,
		Envelope:    snapshot,
		MaxAttempts: c.RetryMaxAttempts,
		At:          now,
	}, nil
}

// Outcome is the result of one attempt, written by RecordOutcome in a single update
type Outcome struct {
	Status         Status
	AttemptCount   int
	NextAttemptAt  *time.Time
	At             time.Time
	DurationMs     int
	RequestPayload string
	RequestHeaders map[string]string
	ResponseStatus int
	ResponseBody   string
	Error          string
	// Claim is the lastAttemptAt stamp the writer holds. When set, the outcome
	// only lands if the row still carries it.
	Claim *time.Time
}

// Validate checks the outcome is a legal transition out of PROCESSING
func (o Outcome) Validate() error {
	switch o.Status {
	case StatusSuccess, StatusDLQ, StatusFailed:
	case StatusRetryScheduled:
		if o.NextAttemptAt == nil {
			return fmt.Errorf("%w: retry without nextAttemptAt", ErrBadOutcome)
		}
	default:
		return fmt.Errorf("%w: status %q", ErrBadOutcome, o.Status)
	}
	return nil
}

// normalized applies the storage rules: only retries keep a next attempt,
// errors are truncated and a success clears the error
func (o Outcome) normalized() Outcome {
	if o.Status != StatusRetryScheduled {
		o.NextAttemptAt = nil
	}
	if o.Status == StatusSuccess {
		o.Error = ""
	}
	o.Error = Truncate(o.Error, MaxErrorLen)
	return o
}

// deliveredAt is set only on success
func (o Outcome) deliveredAt() *time.Time {
	if o.Status != StatusSuccess {
		return nil
	}
	at := o.At
	return &at
}

// Truncate cuts s to at most n runes
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// TruncateBytes cuts b to at most n bytes without splitting a UTF-8 sequence
func TruncateBytes(b []byte, n int) string {
	if n <= 0 || len(b) <= n {
		return string(b)
	}
	b = b[:n]
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				b = b[:i]
			}
			break
		}
	}
	return string(b)
}
