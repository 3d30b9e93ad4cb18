// Package ingest fans stored domain events out into deliveries, one per
// enabled connector subscribed to the event name.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/delivery"
	"github.com/austindbirch/integration_builder/internal/event"
	"github.com/austindbirch/integration_builder/internal/logging"
	"github.com/austindbirch/integration_builder/internal/metrics"
	"github.com/austindbirch/integration_builder/internal/tracing"
)

type Connectors interface {
	FindEnabledForEvent(ctx context.Context, tenantID, eventName string) ([]connector.Connector, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, d delivery.NewDelivery) (bool, error)
}

type Service struct {
	connectors Connectors
	deliveries Enqueuer
	log        *logging.Logger
	now        func() time.Time
}

func NewService(connectors Connectors, deliveries Enqueuer, log *logging.Logger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{
		connectors: connectors,
		deliveries: deliveries,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OnEventStored enqueues one delivery per matching connector and returns how
// many were created. Re-delivering the same envelope creates nothing new.
func (s *Service) OnEventStored(ctx context.Context, env event.Envelope) (int, error) {
	ctx = tracing.ExtractMap(ctx, env.Trace)
	ctx, span := tracing.StartSpan(ctx, "ingest.OnEventStored",
		attribute.String("tenant_id", env.CompanyID),
		attribute.String("event_id", env.ID),
		attribute.String("event_name", env.Name),
	)
	defer span.End()

	if err := env.Validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, err
	}

	tracing.AddSpanEvent(ctx, "db.find_connectors")
	targets, err := s.connectors.FindEnabledForEvent(ctx, env.CompanyID, env.Name)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("find connectors: %w", err)
	}
	span.SetAttributes(attribute.Int("connectors_count", len(targets)))

	now := s.now()
	fanout, duplicates := 0, 0
	for _, c := range targets {
		nd, err := delivery.For(c, env, now)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return fanout, err
		}
		created, err := s.deliveries.Enqueue(ctx, nd)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return fanout, fmt.Errorf("enqueue delivery for connector %s: %w", c.ID, err)
		}
		if created {
			fanout++
		} else {
			duplicates++
		}
	}

	metrics.RecordEventIngested(env.CompanyID)
	metrics.RecordEnqueued(env.CompanyID, fanout)
	span.SetAttributes(
		attribute.Int("fanout_count", fanout),
		attribute.Int("duplicate_count", duplicates),
	)
	s.log.WithContext(ctx).WithTenant(env.CompanyID).WithEvent(env.ID).WithFields(map[string]any{
		"event_name": env.Name,
		"fanout":     fanout,
		"duplicates": duplicates,
	}).Info("event fanned out")
	return fanout, nil
}
