// Package report aggregates delivery history into per-connector metrics and
// pushes tenant summaries to the control plane.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/delivery"
)

const DefaultWindow = 24 * time.Hour

type ConnectorMetrics struct {
	ConnectorID    string  `json:"connectorId"`
	Name           string  `json:"name,omitempty"`
	Total          int     `json:"total"`
	Success        int     `json:"success"`
	DLQ            int     `json:"dlq"`
	RetryScheduled int     `json:"retryScheduled"`
	Failed         int     `json:"failed"`
	P95DurationMs  int     `json:"p95DurationMs"`
	AvgAttempts    float64 `json:"avgAttempts"`
}

// Compute aggregates a set of deliveries. PENDING and PROCESSING rows count
// toward the total only.
func Compute(ds []delivery.Delivery) ConnectorMetrics {
	var (
		m         ConnectorMetrics
		attempts  int
		durations []int
	)
	for _, d := range ds {
		m.Total++
		attempts += d.AttemptCount
		if d.DurationMs > 0 {
			durations = append(durations, d.DurationMs)
		}
		switch d.Status {
		case delivery.StatusSuccess:
			m.Success++
		case delivery.StatusDLQ:
			m.DLQ++
		case delivery.StatusRetryScheduled:
			m.RetryScheduled++
		case delivery.StatusFailed:
			m.Failed++
		}
	}
	m.P95DurationMs = P95(durations)
	if m.Total > 0 {
		m.AvgAttempts = float64(attempts) / float64(m.Total)
	}
	return m
}

// P95 is the nearest-rank 95th percentile of the positive values, 0 when there are none
func P95(values []int) int {
	pos := make([]int, 0, len(values))
	for _, v := range values {
		if v > 0 {
			pos = append(pos, v)
		}
	}
	if len(pos) == 0 {
		return 0
	}
	sort.Ints(pos)
	rank := int(math.Ceil(0.95 * float64(len(pos))))
	return pos[rank-1]
}

type Connectors interface {
	List(ctx context.Context, tenantID string) ([]connector.Connector, error)
	Get(ctx context.Context, tenantID, id string) (connector.Connector, error)
}

type Deliveries interface {
	RecentForConnector(ctx context.Context, tenantID, connectorID string, since time.Time) ([]delivery.Delivery, error)
	CountByStatus(ctx context.Context, tenantID string, status delivery.Status) (int, error)
}

type Summary struct {
	InstanceID           string             `json:"instanceId"`
	CompanyID            string             `json:"companyId"`
	CapturedAt           time.Time          `json:"capturedAt"`
	ConnectorsTotal      int                `json:"connectorsTotal"`
	ConnectorsActive     int                `json:"connectorsActive"`
	DeliveriesSuccess24h int                `json:"deliveriesSuccess24h"`
	DeliveriesFailed24h  int                `json:"deliveriesFailed24h"`
	DLQOpen              int                `json:"dlqOpen"`
	PerConnector         []ConnectorMetrics `json:"perConnector"`
}

type Service struct {
	connectors Connectors
	deliveries Deliveries
	instanceID string
	now        func() time.Time
}

func NewService(connectors Connectors, deliveries Deliveries, instanceID string) *Service {
	return &Service{
		connectors: connectors,
		deliveries: deliveries,
		instanceID: instanceID,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ConnectorMetrics aggregates deliveries created within window (24h when zero)
func (s *Service) ConnectorMetrics(ctx context.Context, tenantID, connectorID string, window time.Duration) (ConnectorMetrics, error) {
	c, err := s.connectors.Get(ctx, tenantID, connectorID)
	if err != nil {
		return ConnectorMetrics{}, err
	}
	return s.metricsFor(ctx, c, window)
}

func (s *Service) metricsFor(ctx context.Context, c connector.Connector, window time.Duration) (ConnectorMetrics, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	ds, err := s.deliveries.RecentForConnector(ctx, c.TenantID, c.ID, s.now().Add(-window))
	if err != nil {
		return ConnectorMetrics{}, fmt.Errorf("recent deliveries for %s: %w", c.ID, err)
	}
	m := Compute(ds)
	m.ConnectorID = c.ID
	m.Name = c.Name
	return m, nil
}

// Summary is the tenant rollup pushed to the control plane. Failed counts
// both FAILED and DLQ outcomes in the window; DLQOpen is all-time.
func (s *Service) Summary(ctx context.Context, tenantID string) (Summary, error) {
	cs, err := s.connectors.List(ctx, tenantID)
	if err != nil {
		return Summary{}, fmt.Errorf("list connectors: %w", err)
	}
	sum := Summary{
		InstanceID:      s.instanceID,
		CompanyID:       tenantID,
		CapturedAt:      s.now(),
		ConnectorsTotal: len(cs),
		PerConnector:    make([]ConnectorMetrics, 0, len(cs)),
	}
	for _, c := range cs {
		if c.Active() {
			sum.ConnectorsActive++
		}
		m, err := s.metricsFor(ctx, c, DefaultWindow)
		if err != nil {
			return Summary{}, err
		}
		sum.DeliveriesSuccess24h += m.Success
		sum.DeliveriesFailed24h += m.Failed + m.DLQ
		sum.PerConnector = append(sum.PerConnector, m)
	}
	if sum.DLQOpen, err = s.deliveries.CountByStatus(ctx, tenantID, delivery.StatusDLQ); err != nil {
		return Summary{}, fmt.Errorf("count dlq: %w", err)
	}
	return sum, nil
}
