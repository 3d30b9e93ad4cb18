package connector

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists connectors. Every method is tenant scoped; a connector owned
// by another tenant behaves as if it did not exist.
type Store interface {
	List(ctx context.Context, tenantID string) ([]Connector, error)
	// Get returns soft-deleted connectors too
	Get(ctx context.Context, tenantID, id string) (Connector, error)
	// Upsert inserts or replaces the configuration fields of c. Updating a
	// deleted connector or one owned by another tenant returns ErrNotFound.
	Upsert(ctx context.Context, c Connector) (Connector, error)
	SoftDelete(ctx context.Context, tenantID, id string, at time.Time) error
	FindEnabledForEvent(ctx context.Context, tenantID, eventName string) ([]Connector, error)
	RecordSuccess(ctx context.Context, tenantID, id string, at time.Time) error
	RecordFailure(ctx context.Context, tenantID, id string, at time.Time, msg string) error
}

// MemoryStore is a Store for tests and single-process development
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Connector
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Connector)}
}

func (m *MemoryStore) List(_ context.Context, tenantID string) ([]Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Connector
	for _, c := range m.rows {
		if c.TenantID == tenantID && c.DeletedAt == nil {
			out = append(out, c)
		}
	}
	sortConnectors(out)
	return out, nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, id string) (Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.rows[id]
	if !ok || c.TenantID != tenantID {
		return Connector{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) Upsert(_ context.Context, c Connector) (Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.rows[c.ID]; ok {
		if existing.TenantID != c.TenantID || existing.DeletedAt != nil {
			return Connector{}, ErrNotFound
		}
		c.CreatedAt = existing.CreatedAt
		c.LastSuccessAt = existing.LastSuccessAt
		c.LastFailureAt = existing.LastFailureAt
		c.LastError = existing.LastError
	} else {
		c.CreatedAt = c.UpdatedAt
	}
	c.DeletedAt = nil
	m.rows[c.ID] = c
	return c, nil
}

func (m *MemoryStore) SoftDelete(_ context.Context, tenantID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	if c.DeletedAt == nil {
		c.DeletedAt = &at
	}
	c.Enabled = false
	c.UpdatedAt = at
	m.rows[id] = c
	return nil
}

func (m *MemoryStore) FindEnabledForEvent(_ context.Context, tenantID, eventName string) ([]Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Connector
	for _, c := range m.rows {
		if c.TenantID == tenantID && c.SourceEvent == eventName && c.Active() {
			out = append(out, c)
		}
	}
	sortConnectors(out)
	return out, nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, tenantID, id string, at time.Time) error {
	return m.update(tenantID, id, func(c *Connector) {
		c.LastSuccessAt = &at
		c.LastError = ""
	})
}

func (m *MemoryStore) RecordFailure(_ context.Context, tenantID, id string, at time.Time, msg string) error {
	return m.update(tenantID, id, func(c *Connector) {
		c.LastFailureAt = &at
		c.LastError = msg
	})
}

func (m *MemoryStore) update(tenantID, id string, fn func(*Connector)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	fn(&c)
	m.rows[id] = c
	return nil
}

func sortConnectors(cs []Connector) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}
