package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_builder_events_ingested_total",
			Help: "Total number of domain events accepted for fan-out.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_builder_deliveries_enqueued_total",
			Help: "Total number of deliveries created by fan-out.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_builder_deliveries_total",
			Help: "Total number of delivery attempts by resulting status.",
		},
		[]string{"status", "tenant_id", "connector_id"},
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "integration_builder_delivery_latency_seconds",
			Help:    "Time spent on one delivery attempt, including the HTTP call.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tenant_id"},
	)

	HTTPDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "integration_builder_http_delivery_duration_seconds",
			Help:    "Outbound webhook round trip by response status code.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tenant_id", "connector_id", "status_code"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_builder_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_builder_dlq_total",
			Help: "Total number of deliveries moved to DLQ by reason.",
		},
		[]string{"reason"},
	)

	ClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "integration_builder_claimed_total",
			Help: "Total number of deliveries claimed by this instance.",
		},
	)

	StaleReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "integration_builder_stale_reclaimed_total",
			Help: "Total number of PROCESSING deliveries returned to the queue by the stale sweep.",
		},
	)

	TickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "integration_builder_tick_duration_seconds",
			Help:    "Duration of one dispatcher tick.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "integration_builder_reports_total",
			Help: "Control-plane summary pushes by result.",
		},
		[]string{"result"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsIngestedTotal,
		DeliveriesEnqueuedTotal,
		DeliveriesTotal,
		DeliveryLatencySeconds,
		HTTPDeliveryDuration,
		RetriesTotal,
		DLQTotal,
		ClaimedTotal,
		StaleReclaimedTotal,
		TickDurationSeconds,
		ReportsTotal,
	)
}

func RecordEventIngested(tenantID string) {
	EventsIngestedTotal.WithLabelValues(tenantID).Inc()
}

func RecordEnqueued(tenantID string, n int) {
	if n > 0 {
		DeliveriesEnqueuedTotal.WithLabelValues(tenantID).Add(float64(n))
	}
}

// RecordDelivery counts one finished attempt
func RecordDelivery(status, tenantID, connectorID string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(status, tenantID, connectorID).Inc()
	DeliveryLatencySeconds.WithLabelValues(tenantID).Observe(d.Seconds())
}

func RecordHTTPDelivery(tenantID, connectorID, statusCode string, d time.Duration) {
	HTTPDeliveryDuration.WithLabelValues(tenantID, connectorID, statusCode).Observe(d.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordClaimed(n int) {
	ClaimedTotal.Add(float64(n))
}

func RecordStaleReclaimed(n int) {
	StaleReclaimedTotal.Add(float64(n))
}

func RecordTick(d time.Duration) {
	TickDurationSeconds.Observe(d.Seconds())
}

func RecordReport(result string) {
	ReportsTotal.WithLabelValues(result).Inc()
}
