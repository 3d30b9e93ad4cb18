package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the delivery queue. ClaimDue, BeginAttempt and RecordOutcome are
// each a single atomic read-modify-write; nothing else is needed for many
// dispatchers to share one store.
type Store interface {
	// Enqueue inserts a PENDING delivery. A duplicate (connector, event) is a
	// no-op reported as created=false.
	Enqueue(ctx context.Context, d NewDelivery) (created bool, err error)
	// ClaimDue moves up to limit due deliveries to PROCESSING, oldest due first
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]Delivery, error)
	// BeginAttempt restamps lastAttemptAt on a PROCESSING delivery still
	// holding claim and returns the new stamp, else ErrNotProcessing
	BeginAttempt(ctx context.Context, tenantID, id string, claim, now time.Time) (time.Time, error)
	// RecordOutcome applies o to a PROCESSING delivery, else ErrNotProcessing
	RecordOutcome(ctx context.Context, tenantID, id string, o Outcome) error
	RequeueAllDLQ(ctx context.Context, tenantID, connectorID string, now time.Time) (int, error)
	RecentForConnector(ctx context.Context, tenantID, connectorID string, since time.Time) ([]Delivery, error)

	Get(ctx context.Context, tenantID, id string) (Delivery, error)
	ListDLQ(ctx context.Context, tenantID, connectorID string, limit int) ([]Delivery, error)
	CountByStatus(ctx context.Context, tenantID string, status Status) (int, error)
	// ReclaimStale moves PROCESSING rows last attempted before staleBefore back to RETRY_SCHEDULED
	ReclaimStale(ctx context.Context, staleBefore, now time.Time) (int, error)
}

// sortDue orders by next attempt (unset first) then creation time
func sortDue(ds []Delivery) {
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i].NextAttemptAt, ds[j].NextAttemptAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return ds[i].CreatedAt.Before(ds[j].CreatedAt)
	})
}

// MemoryStore is a Store guarded by one mutex, which makes every claim a compare-and-swap
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]*Delivery
	byEvent map[string]string // connectorID + "\x00" + eventID -> delivery id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:    make(map[string]*Delivery),
		byEvent: make(map[string]string),
	}
}

func eventKey(connectorID, eventID string) string {
	return connectorID + "\x00" + eventID
}

func copyDelivery(d *Delivery) Delivery {
	out := *d
	if d.RequestHeaders != nil {
		out.RequestHeaders = make(map[string]string, len(d.RequestHeaders))
		for k, v := range d.RequestHeaders {
			out.RequestHeaders[k] = v
		}
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

// stamp truncates claim stamps to the precision Postgres stores
func stamp(t time.Time) time.Time { return t.Truncate(time.Microsecond) }

func (m *MemoryStore) Enqueue(_ context.Context, nd NewDelivery) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey(nd.ConnectorID, nd.EventID)
	if _, dup := m.byEvent[key]; dup {
		return false, nil
	}
	m.rows[nd.ID] = &Delivery{
		ID:            nd.ID,
		TenantID:      nd.TenantID,
		ConnectorID:   nd.ConnectorID,
		EventID:       nd.EventID,
		SourceEvent:   nd.SourceEvent,
		Envelope:      append([]byte(nil), nd.Envelope...),
		Status:        StatusPending,
		MaxAttempts:   nd.MaxAttempts,
		NextAttemptAt: timePtr(nd.At),
		CreatedAt:     nd.At,
		UpdatedAt:     nd.At,
	}
	m.byEvent[key] = nd.ID
	return true, nil
}

func (m *MemoryStore) ClaimDue(_ context.Context, limit int, now time.Time) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Delivery
	for _, d := range m.rows {
		if d.Status.Claimable() && (d.NextAttemptAt == nil || !d.NextAttemptAt.After(now)) {
			due = append(due, *d)
		}
	}
	sortDue(due)
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]Delivery, 0, len(due))
	for _, candidate := range due {
		d := m.rows[candidate.ID]
		if !d.Status.Claimable() {
			continue
		}
		d.Status = StatusProcessing
		d.LastAttemptAt = timePtr(stamp(now))
		d.UpdatedAt = now
		out = append(out, copyDelivery(d))
	}
	return out, nil
}

func (m *MemoryStore) BeginAttempt(_ context.Context, tenantID, id string, claim, now time.Time) (time.Time, error) {
	now = stamp(now)
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || d.TenantID != tenantID {
		return time.Time{}, ErrNotFound
	}
	if !holds(d, &claim) {
		return time.Time{}, ErrNotProcessing
	}
	d.LastAttemptAt = timePtr(now)
	d.UpdatedAt = now
	return now, nil
}

// holds reports whether d is PROCESSING under claim. A nil claim matches any.
func holds(d *Delivery, claim *time.Time) bool {
	if d.Status != StatusProcessing {
		return false
	}
	if claim == nil {
		return true
	}
	return d.LastAttemptAt != nil && d.LastAttemptAt.Equal(*claim)
}

func (m *MemoryStore) RecordOutcome(_ context.Context, tenantID, id string, o Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	o = o.normalized()

	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || d.TenantID != tenantID {
		return ErrNotFound
	}
	if !holds(d, o.Claim) {
		return ErrNotProcessing
	}
	d.Status = o.Status
	d.AttemptCount = o.AttemptCount
	d.NextAttemptAt = o.NextAttemptAt
	if at := o.deliveredAt(); at != nil {
		d.DeliveredAt = at
	}
	d.DurationMs = o.DurationMs
	d.RequestPayload = o.RequestPayload
	d.RequestHeaders = o.RequestHeaders
	d.ResponseStatus = o.ResponseStatus
	d.ResponseBody = o.ResponseBody
	d.LastError = o.Error
	d.UpdatedAt = o.At
	return nil
}

func (m *MemoryStore) RequeueAllDLQ(_ context.Context, tenantID, connectorID string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.rows {
		if d.TenantID == tenantID && d.ConnectorID == connectorID && d.Status == StatusDLQ {
			d.Status = StatusRetryScheduled
			d.NextAttemptAt = timePtr(now)
			d.LastError = ""
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RecentForConnector(_ context.Context, tenantID, connectorID string, since time.Time) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for _, d := range m.rows {
		if d.TenantID == tenantID && d.ConnectorID == connectorID && !d.CreatedAt.Before(since) {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, id string) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || d.TenantID != tenantID {
		return Delivery{}, ErrNotFound
	}
	return copyDelivery(d), nil
}

func (m *MemoryStore) ListDLQ(_ context.Context, tenantID, connectorID string, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Delivery
	for _, d := range m.rows {
		if d.TenantID == tenantID && d.ConnectorID == connectorID && d.Status == StatusDLQ {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context, tenantID string, status Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.rows {
		if d.TenantID == tenantID && d.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ReclaimStale(_ context.Context, staleBefore, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.rows {
		if d.Status == StatusProcessing && d.LastAttemptAt != nil && d.LastAttemptAt.Before(staleBefore) {
			d.Status = StatusRetryScheduled
			d.NextAttemptAt = timePtr(now)
			d.LastError = ErrCodeStaleReclaimed
			d.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
