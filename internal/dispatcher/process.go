package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/integration_builder/internal/backoff"
	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/delivery"
	"github.com/austindbirch/integration_builder/internal/logging"
	"github.com/austindbirch/integration_builder/internal/mapping"
	"github.com/austindbirch/integration_builder/internal/metrics"
	"github.com/austindbirch/integration_builder/internal/tracing"
)

// bodyInError bounds how much of a failed response body goes into the error text
const bodyInError = 500

// storeWriteTimeout bounds outcome and health writes, which outlive shutdown
const storeWriteTimeout = 5 * time.Second

// storeCtx detaches a write from ctx cancellation so a finished attempt is
// still recorded when the dispatcher is stopping
func storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

// attempt is the result of building and sending one request
type attempt struct {
	req      connector.Request
	status   int
	body     string
	err      error
	duration time.Duration
}

func (a attempt) ok() bool {
	return a.err == nil && a.status >= 200 && a.status < 300
}

func (a attempt) errorText() string {
	if a.err != nil {
		return a.err.Error()
	}
	return fmt.Sprintf("HTTP %d: %s", a.status, delivery.Truncate(a.body, bodyInError))
}

// process takes one claimed delivery to its next state. The returned error
// is reserved for store writes and recovered panics outside the attempt.
func (d *Dispatcher) process(ctx context.Context, del delivery.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery %s: panic: %v", del.ID, r)
		}
	}()

	ctx, span := tracing.StartSpan(ctx, "dispatcher.delivery",
		attribute.String("delivery_id", del.ID),
		attribute.String("tenant_id", del.TenantID),
		attribute.String("connector_id", del.ConnectorID),
		attribute.String("event_id", del.EventID),
		attribute.String("source_event", del.SourceEvent),
		attribute.Int("attempt", del.AttemptCount+1),
	)
	defer span.End()
	entry := func() *logging.LogEntry {
		return d.log.WithContext(ctx).WithTenant(del.TenantID).WithConnector(del.ConnectorID).
			WithDelivery(del.ID).WithEvent(del.EventID)
	}

	// restamp the claim so the stale sweep measures from the attempt, not the claim
	var claim time.Time
	if del.LastAttemptAt != nil {
		claim = *del.LastAttemptAt
	}
	started, err := d.store.BeginAttempt(ctx, del.TenantID, del.ID, claim, d.now())
	if errors.Is(err, delivery.ErrNotProcessing) {
		tracing.AddSpanEvent(ctx, "delivery.superseded")
		entry().Warn("delivery reclaimed by another worker, skipping")
		return nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("delivery %s: begin attempt: %w", del.ID, err)
	}

	c, err := d.connectors.Get(ctx, del.TenantID, del.ConnectorID)
	if err != nil && !errors.Is(err, connector.ErrNotFound) {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("delivery %s: load connector: %w", del.ID, err)
	}
	if err != nil || !c.Active() {
		tracing.AddSpanEvent(ctx, "delivery.connector_inactive")
		o := delivery.Outcome{
			Status:       delivery.StatusFailed,
			AttemptCount: del.AttemptCount,
			At:           d.now(),
			Error:        delivery.ErrCodeConnectorInactive,
			Claim:        &started,
		}
		if done, err := d.record(ctx, del, o); !done {
			return err
		}
		metrics.RecordDelivery(string(delivery.StatusFailed), del.TenantID, del.ConnectorID, 0)
		entry().Warn("connector inactive, delivery failed")
		return nil
	}

	a := d.send(ctx, c, del)
	at := d.now()
	span.SetAttributes(
		attribute.Int("http.status_code", a.status),
		attribute.Int64("http.latency_ms", a.duration.Milliseconds()),
	)

	o := delivery.Outcome{
		Claim:          &started,
		AttemptCount:   del.AttemptCount + 1,
		At:             at,
		DurationMs:     int(a.duration.Milliseconds()),
		RequestPayload: string(a.req.Body),
		RequestHeaders: c.Redacted(a.req.Headers),
		ResponseStatus: a.status,
		ResponseBody:   a.body,
	}
	if a.status > 0 {
		metrics.RecordHTTPDelivery(del.TenantID, del.ConnectorID, strconv.Itoa(a.status), a.duration)
	}

	if a.ok() {
		o.Status = delivery.StatusSuccess
		if done, err := d.record(ctx, del, o); !done {
			return err
		}
		tracing.AddSpanEvent(ctx, "delivery.success")
		wctx, cancel := storeCtx(ctx)
		err := d.connectors.RecordSuccess(wctx, c.TenantID, c.ID, at)
		cancel()
		if err != nil {
			entry().WithError(err).Warn("connector health update failed")
		}
		metrics.RecordDelivery(string(o.Status), del.TenantID, del.ConnectorID, a.duration)
		entry().WithFields(map[string]any{"status": a.status, "duration_ms": o.DurationMs}).Info("delivered")
		return nil
	}

	o.Error = a.errorText()
	reason := classifyReason(a.err, a.status)
	span.SetAttributes(attribute.String("failure_reason", reason))
	if o.AttemptCount >= del.MaxAttempts {
		o.Status = delivery.StatusDLQ
	} else {
		o.Status = delivery.StatusRetryScheduled
		next := at.Add(backoff.Delay(c.RetryBackoffBaseMs, o.AttemptCount))
		o.NextAttemptAt = &next
	}
	if done, err := d.record(ctx, del, o); !done {
		return err
	}
	wctx, cancel := storeCtx(ctx)
	err = d.connectors.RecordFailure(wctx, c.TenantID, c.ID, at, o.Error)
	cancel()
	if err != nil {
		entry().WithError(err).Warn("connector health update failed")
	}
	metrics.RecordDelivery(string(o.Status), del.TenantID, del.ConnectorID, a.duration)

	failed := entry().WithFields(map[string]any{
		"attempt": o.AttemptCount,
		"reason":  reason,
		"error":   o.Error,
	})
	if o.Status == delivery.StatusRetryScheduled {
		metrics.RecordRetry(reason)
		tracing.AddSpanEvent(ctx, "delivery.retry_scheduled", attribute.String("next_attempt_at", o.NextAttemptAt.Format(time.RFC3339)))
		failed.WithField("next_attempt_at", o.NextAttemptAt.Format(time.RFC3339)).Warn("delivery failed, retry scheduled")
		return nil
	}

	metrics.RecordDLQ(reason)
	tracing.AddSpanEvent(ctx, "delivery.dlq", attribute.Int("attempt", o.AttemptCount))
	failed.Error("delivery moved to DLQ")
	if d.notifier != nil {
		dl := delivery.NewDeadLetter(del, o, fmt.Sprintf("max attempts reached (%d)", o.AttemptCount), at)
		wctx, cancel := storeCtx(ctx)
		defer cancel()
		if err := d.notifier.Notify(wctx, dl); err != nil {
			entry().WithError(err).Error("dead letter notice failed")
		}
	}
	return nil
}

// record writes o under the attempt's claim. done is false when the caller
// must stop; err is set only for store failures, and a delivery another
// worker has taken over is dropped with a warning.
func (d *Dispatcher) record(ctx context.Context, del delivery.Delivery, o delivery.Outcome) (done bool, err error) {
	wctx, cancel := storeCtx(ctx)
	defer cancel()
	err = d.store.RecordOutcome(wctx, del.TenantID, del.ID, o)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, delivery.ErrNotProcessing):
		tracing.AddSpanEvent(ctx, "delivery.superseded")
		d.log.WithContext(ctx).WithTenant(del.TenantID).WithConnector(del.ConnectorID).
			WithDelivery(del.ID).WithField("status", string(o.Status)).
			Warn("delivery reclaimed mid-attempt, outcome dropped")
		return false, nil
	}
	tracing.SetSpanError(ctx, err)
	return false, fmt.Errorf("delivery %s: record outcome: %w", del.ID, err)
}

// send builds and performs the request. Build errors and panics in mapping
// become a failed attempt, never a dispatcher error.
func (d *Dispatcher) send(ctx context.Context, c connector.Connector, del delivery.Delivery) (a attempt) {
	defer func() {
		if r := recover(); r != nil {
			a.err = fmt.Errorf("attempt panicked: %v", r)
		}
	}()

	event, err := mapping.FromJSON(del.Envelope)
	if err != nil {
		a.err = fmt.Errorf("decode envelope snapshot: %w", err)
		return a
	}
	tracing.AddSpanEvent(ctx, "secret.resolve")
	secret := d.connectors.ResolveSecret(ctx, c)

	req, err := c.Build(event, secret)
	if err != nil {
		a.err = fmt.Errorf("build request: %w", err)
		return a
	}
	a.req = req

	ctx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		a.err = fmt.Errorf("build request: %w", err)
		return a
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	tracing.InjectHTTP(ctx, hreq.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		hreq.Header.Set("X-Trace-Id", traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := time.Now()
	resp, err := d.client.Do(hreq)
	if err != nil {
		a.duration = time.Since(start)
		a.err = err
		return a
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(d.cfg.MaxResponseBytes)))
	a.duration = time.Since(start)
	a.status = resp.StatusCode
	a.body = delivery.TruncateBytes(raw, d.cfg.MaxResponseBytes)
	return a
}

func classifyReason(err error, status int) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		lower := strings.ToLower(err.Error())
		switch {
		case strings.Contains(lower, "timeout"):
			return "timeout"
		case strings.Contains(lower, "connection refused"):
			return "connection_refused"
		case strings.Contains(lower, "no such host") || strings.Contains(lower, "dns"):
			return "dns_error"
		case strings.Contains(lower, "build request") || strings.Contains(lower, "envelope"):
			return "mapping"
		}
		return "network"
	}
	switch {
	case status >= 500:
		return "http_5xx"
	case status == 429:
		return "http_429"
	case status >= 400:
		return "http_4xx"
	}
	return "other"
}
