// Package dispatcher drains due deliveries from the store and performs the
// outbound HTTP attempts. Any number of dispatchers may share one store; the
// store's claim is the only coordination between them.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/delivery"
	"github.com/austindbirch/integration_builder/internal/logging"
	"github.com/austindbirch/integration_builder/internal/metrics"
	"github.com/austindbirch/integration_builder/internal/tracing"
)

type Config struct {
	Interval         time.Duration
	BatchLimit       int
	Concurrency      int
	StaleAfter       time.Duration // zero disables the stale sweep
	MaxResponseBytes int
}

func DefaultConfig() Config {
	return Config{
		Interval:         2 * time.Second,
		BatchLimit:       25,
		Concurrency:      8,
		StaleAfter:       2 * connector.MaxTimeoutMs * time.Millisecond,
		MaxResponseBytes: delivery.DefaultMaxBodyBytes,
	}
}

// Connectors is the slice of the connector registry the dispatcher needs.
// *connector.Registry satisfies it.
type Connectors interface {
	Get(ctx context.Context, tenantID, id string) (connector.Connector, error)
	ResolveSecret(ctx context.Context, c connector.Connector) *structpb.Value
	RecordSuccess(ctx context.Context, tenantID, id string, at time.Time) error
	RecordFailure(ctx context.Context, tenantID, id string, at time.Time, msg string) error
}

// Notifier receives a notice whenever a delivery parks in DLQ
type Notifier interface {
	Notify(ctx context.Context, dl delivery.DeadLetter) error
}

// Reporter pushes a tenant summary somewhere outside the engine
type Reporter interface {
	Report(ctx context.Context, tenantID string) error
}

// HTTPDoer is satisfied by *http.Client
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Dispatcher struct {
	cfg        Config
	connectors Connectors
	store      delivery.Store
	client     HTTPDoer
	notifier   Notifier
	reporter   Reporter
	log        *logging.Logger
	now        func() time.Time

	reports sync.WaitGroup
}

type Option func(*Dispatcher)

func WithHTTPClient(c HTTPDoer) Option    { return func(d *Dispatcher) { d.client = c } }
func WithNotifier(n Notifier) Option      { return func(d *Dispatcher) { d.notifier = n } }
func WithReporter(r Reporter) Option      { return func(d *Dispatcher) { d.reporter = r } }
func WithLogger(l *logging.Logger) Option { return func(d *Dispatcher) { d.log = l } }
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(cfg Config, connectors Connectors, store delivery.Store, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = def.BatchLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = def.MaxResponseBytes
	}
	d := &Dispatcher{
		cfg:        cfg,
		connectors: connectors,
		store:      store,
		client:     &http.Client{},
		log:        logging.Discard(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run ticks until ctx is cancelled. Ticks never overlap: a slow tick delays
// the next one instead of running beside it.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Plain().WithFields(map[string]any{
		"interval":    d.cfg.Interval.String(),
		"batch_limit": d.cfg.BatchLimit,
		"concurrency": d.cfg.Concurrency,
	}).Info("dispatcher started")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.log.WithContext(ctx).WithError(err).Error("dispatch tick failed")
		}
		select {
		case <-ctx.Done():
			d.Wait()
			d.log.Plain().Info("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until in-flight summary pushes finish
func (d *Dispatcher) Wait() {
	d.reports.Wait()
}

// Tick runs one sweep, claim and batch. Per-delivery failures become
// delivery outcomes; only store write errors are returned, joined.
func (d *Dispatcher) Tick(ctx context.Context) error {
	started := time.Now()
	defer func() { metrics.RecordTick(time.Since(started)) }()

	ctx, span := tracing.StartSpan(ctx, "dispatcher.tick")
	defer span.End()

	now := d.now()
	if d.cfg.StaleAfter > 0 {
		n, err := d.store.ReclaimStale(ctx, now.Add(-d.cfg.StaleAfter), now)
		if err != nil {
			d.log.WithContext(ctx).WithError(err).Warn("stale sweep failed")
		} else if n > 0 {
			metrics.RecordStaleReclaimed(n)
			d.log.WithContext(ctx).WithField("count", n).Warn("reclaimed stale processing deliveries")
		}
	}

	batch, err := d.store.ClaimDue(ctx, d.cfg.BatchLimit, now)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("claim due deliveries: %w", err)
	}
	span.SetAttributes(attribute.Int("claimed", len(batch)))
	if len(batch) == 0 {
		return nil
	}
	metrics.RecordClaimed(len(batch))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(d.cfg.Concurrency)
	for _, del := range batch {
		g.Go(func() error {
			if err := d.process(ctx, del); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	d.report(ctx, batch)

	err = errors.Join(errs...)
	tracing.SetSpanError(ctx, err)
	return err
}

// report fires one summary push per tenant in the batch without blocking the tick
func (d *Dispatcher) report(ctx context.Context, batch []delivery.Delivery) {
	if d.reporter == nil {
		return
	}
	seen := make(map[string]bool)
	for _, del := range batch {
		if seen[del.TenantID] {
			continue
		}
		seen[del.TenantID] = true

		tenantID := del.TenantID
		rctx := context.WithoutCancel(ctx)
		d.reports.Add(1)
		go func() {
			defer d.reports.Done()
			if err := d.reporter.Report(rctx, tenantID); err != nil {
				d.log.WithContext(rctx).WithTenant(tenantID).WithError(err).Warn("summary report failed")
			}
		}()
	}
}
