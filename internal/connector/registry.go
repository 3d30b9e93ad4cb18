package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/integration_builder/internal/event"
	"github.com/austindbirch/integration_builder/internal/logging"
	"github.com/austindbirch/integration_builder/internal/secrets"
)

// Registry is the connector API used by the admin surface, ingest and the dispatcher
type Registry struct {
	store   Store
	secrets secrets.Store
	log     *logging.Logger
	now     func() time.Time
}

func NewRegistry(store Store, sec secrets.Store, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Discard()
	}
	return &Registry{store: store, secrets: sec, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the time source
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalid)
	}
	return nil
}

func (r *Registry) List(ctx context.Context, tenantID string) ([]Connector, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.store.List(ctx, tenantID)
}

func (r *Registry) Get(ctx context.Context, tenantID, id string) (Connector, error) {
	if err := requireTenant(tenantID); err != nil {
		return Connector{}, err
	}
	return r.store.Get(ctx, tenantID, id)
}

// Upsert creates or updates a connector by id, assigning an id when the spec
// carries none. An empty secret-provider key keeps the stored one on update
// and gets the default key on create.
func (r *Registry) Upsert(ctx context.Context, tenantID string, spec Spec) (Connector, error) {
	if err := requireTenant(tenantID); err != nil {
		return Connector{}, err
	}
	spec, err := spec.Normalize()
	if err != nil {
		return Connector{}, err
	}
	spec.ID = strings.TrimSpace(spec.ID)
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if strings.TrimSpace(spec.SecretProviderKey) == "" {
		key, err := r.secretKeyFor(ctx, tenantID, spec.ID)
		if err != nil {
			return Connector{}, err
		}
		spec.SecretProviderKey = key
	}

	c := Connector{ID: spec.ID, TenantID: tenantID, UpdatedAt: r.now()}
	spec.apply(&c)

	saved, err := r.store.Upsert(ctx, c)
	if err != nil {
		return Connector{}, err
	}
	r.log.WithContext(ctx).WithTenant(tenantID).WithConnector(saved.ID).
		WithField("source_event", saved.SourceEvent).
		WithField("enabled", saved.Enabled).
		Info("connector saved")
	return saved, nil
}

// secretKeyFor keeps the key an existing connector is bound to and falls
// back to the default key for new ones
func (r *Registry) secretKeyFor(ctx context.Context, tenantID, id string) (string, error) {
	existing, err := r.store.Get(ctx, tenantID, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return DefaultSecretKey(tenantID, id), nil
	case err != nil:
		return "", err
	case existing.SecretProviderKey != "":
		return existing.SecretProviderKey, nil
	}
	return DefaultSecretKey(tenantID, id), nil
}

// SoftDelete disables and tombstones a connector. Deleting twice is not an error.
func (r *Registry) SoftDelete(ctx context.Context, tenantID, id string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := r.store.SoftDelete(ctx, tenantID, id, r.now()); err != nil {
		return err
	}
	r.log.WithContext(ctx).WithTenant(tenantID).WithConnector(id).Info("connector deleted")
	return nil
}

func (r *Registry) FindEnabledForEvent(ctx context.Context, tenantID, eventName string) ([]Connector, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return r.store.FindEnabledForEvent(ctx, tenantID, eventName)
}

func (r *Registry) RecordSuccess(ctx context.Context, tenantID, id string, at time.Time) error {
	return r.store.RecordSuccess(ctx, tenantID, id, at)
}

func (r *Registry) RecordFailure(ctx context.Context, tenantID, id string, at time.Time, msg string) error {
	return r.store.RecordFailure(ctx, tenantID, id, at, msg)
}

// ResolveSecret looks up the connector's secret bag. Lookup errors are logged
// and yield nil so mapping resolves secret references to empty values.
func (r *Registry) ResolveSecret(ctx context.Context, c Connector) *structpb.Value {
	if r.secrets == nil || c.SecretProviderKey == "" {
		return nil
	}
	bag, err := r.secrets.Resolve(ctx, c.TenantID, c.SecretProviderKey)
	if err != nil {
		r.log.WithContext(ctx).WithTenant(c.TenantID).WithConnector(c.ID).WithError(err).
			Warn("secret lookup failed, continuing without secret")
		return nil
	}
	return bag
}

// PreviewRequest names a saved connector or carries an unsaved spec
type PreviewRequest struct {
	ConnectorID string          `json:"connectorId,omitempty"`
	Connector   *Spec           `json:"connector,omitempty"`
	Sample      *event.Envelope `json:"sample,omitempty"`
}

type PreviewResult struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	Body           json.RawMessage   `json:"body,omitempty"`
	SecretResolved bool              `json:"secretResolved"`
}

// Preview resolves the connector's templates against a sample envelope
// without dispatching anything. Credential header values are masked.
func (r *Registry) Preview(ctx context.Context, tenantID string, req PreviewRequest) (PreviewResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return PreviewResult{}, err
	}

	var c Connector
	switch {
	case req.ConnectorID != "":
		got, err := r.store.Get(ctx, tenantID, req.ConnectorID)
		if err != nil {
			return PreviewResult{}, err
		}
		c = got
	case req.Connector != nil:
		spec, err := req.Connector.Normalize()
		if err != nil {
			return PreviewResult{}, err
		}
		if spec.SecretProviderKey == "" && spec.ID != "" {
			spec.SecretProviderKey = DefaultSecretKey(tenantID, spec.ID)
		}
		c = Connector{ID: spec.ID, TenantID: tenantID}
		spec.apply(&c)
	default:
		return PreviewResult{}, fmt.Errorf("%w: connectorId or connector is required", ErrInvalid)
	}

	sample := r.sampleEnvelope(tenantID, c, req.Sample)
	ev, err := sample.ToValue()
	if err != nil {
		return PreviewResult{}, fmt.Errorf("%w: sample: %v", ErrInvalid, err)
	}
	secret := r.ResolveSecret(ctx, c)

	built, err := c.Build(ev, secret)
	if err != nil {
		return PreviewResult{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return PreviewResult{
		Method:         built.Method,
		URL:            built.URL,
		Headers:        c.Redacted(built.Headers),
		Body:           built.Body,
		SecretResolved: secret != nil,
	}, nil
}

func (r *Registry) sampleEnvelope(tenantID string, c Connector, in *event.Envelope) event.Envelope {
	var e event.Envelope
	if in != nil {
		e = *in
	}
	if e.ID == "" {
		e.ID = "preview-event"
	}
	if e.Name == "" {
		e.Name = c.SourceEvent
	}
	if e.CompanyID == "" {
		e.CompanyID = tenantID
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now()
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	return e
}
