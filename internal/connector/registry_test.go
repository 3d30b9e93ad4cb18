package connector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/integration_builder/internal/event"
	"github.com/austindbirch/integration_builder/internal/mapping"
	"github.com/austindbirch/integration_builder/internal/secrets"
)

func testNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func newTestRegistry(t *testing.T) (*Registry, *secrets.StaticStore) {
	t.Helper()
	sec := secrets.NewStaticStore()
	r := NewRegistry(NewMemoryStore(), sec, nil).WithClock(testNow)
	return r, sec
}

func TestRegistry_UpsertAssignsIDAndSecretKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	c, err := r.Upsert(ctx, "t1", validSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "t1", c.TenantID)
	assert.Equal(t, DefaultSecretKey("t1", c.ID), c.SecretProviderKey)
	assert.True(t, c.Enabled)
	assert.Equal(t, testNow(), c.CreatedAt)

	s := validSpec()
	s.ID = c.ID
	s.Name = "renamed"
	disabled := false
	s.Enabled = &disabled
	s.SecretProviderKey = "vault/custom"
	updated, err := r.Upsert(ctx, "t1", s)
	require.NoError(t, err)
	assert.Equal(t, c.ID, updated.ID)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "vault/custom", updated.SecretProviderKey)

	list, err := r.List(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegistry_UpsertKeepsSecretKey(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	s := validSpec()
	s.SecretProviderKey = "vault/custom"
	c, err := r.Upsert(ctx, "t1", s)
	require.NoError(t, err)
	assert.Equal(t, "vault/custom", c.SecretProviderKey)

	edit := validSpec()
	edit.ID = c.ID
	edit.Name = "renamed"
	updated, err := r.Upsert(ctx, "t1", edit)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "vault/custom", updated.SecretProviderKey, "an update without a key keeps the bound one")
}

func TestRegistry_UpsertClientID(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := validSpec()
	s.ID = "conn-orders"

	c, err := r.Upsert(context.Background(), "t1", s)
	require.NoError(t, err)
	assert.Equal(t, "conn-orders", c.ID)
	assert.Equal(t, "integration-builder/t1/conn-orders", c.SecretProviderKey)
}

func TestRegistry_UpsertErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Upsert(ctx, "", validSpec())
	assert.ErrorIs(t, err, ErrInvalid)

	bad := validSpec()
	bad.URL = "not a url"
	_, err = r.Upsert(ctx, "t1", bad)
	assert.ErrorIs(t, err, ErrInvalid)

	c, err := r.Upsert(ctx, "t1", validSpec())
	require.NoError(t, err)

	other := validSpec()
	other.ID = c.ID
	_, err = r.Upsert(ctx, "t2", other)
	assert.ErrorIs(t, err, ErrNotFound, "another tenant's id must not be overwritten")

	require.NoError(t, r.SoftDelete(ctx, "t1", c.ID))
	_, err = r.Upsert(ctx, "t1", other)
	assert.ErrorIs(t, err, ErrNotFound, "deleted connectors cannot be revived by upsert")
}

func TestRegistry_SoftDeleteIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	c, err := r.Upsert(ctx, "t1", validSpec())
	require.NoError(t, err)

	require.NoError(t, r.SoftDelete(ctx, "t1", c.ID))
	first, err := r.Get(ctx, "t1", c.ID)
	require.NoError(t, err)
	require.NotNil(t, first.DeletedAt)
	assert.False(t, first.Enabled)

	r.WithClock(func() time.Time { return testNow().Add(time.Hour) })
	require.NoError(t, r.SoftDelete(ctx, "t1", c.ID))
	second, err := r.Get(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, *first.DeletedAt, *second.DeletedAt, "second delete keeps the first timestamp")

	list, err := r.List(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, r.SoftDelete(ctx, "t1", "missing"), ErrNotFound)
	assert.ErrorIs(t, r.SoftDelete(ctx, "t2", c.ID), ErrNotFound)
}

func TestRegistry_FindEnabledForEvent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	mk := func(name, evt string, enabled bool) Connector {
		s := validSpec()
		s.Name, s.SourceEvent, s.Enabled = name, evt, &enabled
		c, err := r.Upsert(ctx, "t1", s)
		require.NoError(t, err)
		return c
	}
	a := mk("a", "OrderCreated", true)
	mk("b", "OrderCreated", false)
	mk("c", "InvoicePaid", true)
	d := mk("d", "OrderCreated", true)
	require.NoError(t, r.SoftDelete(ctx, "t1", d.ID))

	_, err := r.Upsert(ctx, "t2", validSpec())
	require.NoError(t, err)

	got, err := r.FindEnabledForEvent(ctx, "t1", "OrderCreated")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}

func TestRegistry_HealthSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	c, err := r.Upsert(ctx, "t1", validSpec())
	require.NoError(t, err)

	at := testNow().Add(time.Minute)
	require.NoError(t, r.RecordFailure(ctx, "t1", c.ID, at, "HTTP 500: boom"))
	got, _ := r.Get(ctx, "t1", c.ID)
	assert.Equal(t, "HTTP 500: boom", got.LastError)
	assert.Equal(t, at, *got.LastFailureAt)

	require.NoError(t, r.RecordSuccess(ctx, "t1", c.ID, at.Add(time.Second)))
	got, _ = r.Get(ctx, "t1", c.ID)
	assert.Empty(t, got.LastError)
	assert.NotNil(t, got.LastSuccessAt)
}

func TestRegistry_Preview(t *testing.T) {
	r, sec := newTestRegistry(t)
	ctx := context.Background()

	s := validSpec()
	s.AuthMode = AuthBearerToken
	s.Headers = json.RawMessage(`{"X-Order":"$.payload.orderId"}`)
	s.Body = json.RawMessage(`{"order":"$.payload.orderId","auth":"{{secret.token}}"}`)
	c, err := r.Upsert(ctx, "t1", s)
	require.NoError(t, err)

	bag, _ := mapping.FromJSON([]byte(`{"token":"abc123"}`))
	sec.Set("t1", c.SecretProviderKey, bag)

	res, err := r.Preview(ctx, "t1", PreviewRequest{
		ConnectorID: c.ID,
		Sample:      &event.Envelope{ID: "e1", Payload: json.RawMessage(`{"orderId":"ord1"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "POST", res.Method)
	assert.Equal(t, "ord1", res.Headers["X-Order"])
	assert.Equal(t, redacted, res.Headers["Authorization"])
	assert.True(t, res.SecretResolved)
	assert.JSONEq(t, `{"order":"ord1","auth":"abc123"}`, string(res.Body))
}

func TestRegistry_PreviewUnsavedSpec(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := validSpec()
	s.Body = json.RawMessage(`{"name":"$.name","tenant":"$.companyId"}`)

	res, err := r.Preview(context.Background(), "t1", PreviewRequest{Connector: &s})
	require.NoError(t, err)
	assert.False(t, res.SecretResolved)
	assert.JSONEq(t, `{"name":"OrderCreated","tenant":"t1"}`, string(res.Body))

	_, err = r.Preview(context.Background(), "t1", PreviewRequest{})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = r.Preview(context.Background(), "t1", PreviewRequest{ConnectorID: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

type fakeRedis map[string]string

func (f fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := f[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func TestRegistry_PreviewCannotReadOtherTenantSecret(t *testing.T) {
	sec := secrets.NewRedisStore(fakeRedis{
		"ib:victim/integration-builder/victim/c-1": `{"token":"victim-secret"}`,
	}, "ib:")
	r := NewRegistry(NewMemoryStore(), sec, nil).WithClock(testNow)
	ctx := context.Background()

	s := validSpec()
	s.SecretProviderKey = "integration-builder/victim/c-1"
	s.Body = json.RawMessage(`{"leak":"{{secret.token}}"}`)

	res, err := r.Preview(ctx, "attacker", PreviewRequest{Connector: &s})
	require.NoError(t, err)
	assert.False(t, res.SecretResolved)
	assert.JSONEq(t, `{"leak":""}`, string(res.Body))

	res, err = r.Preview(ctx, "victim", PreviewRequest{Connector: &s})
	require.NoError(t, err)
	assert.True(t, res.SecretResolved)
	assert.JSONEq(t, `{"leak":"victim-secret"}`, string(res.Body))
}

type failingSecrets struct{}

func (failingSecrets) Resolve(context.Context, string, string) (*structpb.Value, error) {
	return nil, errors.New("vault sealed")
}

func TestRegistry_ResolveSecretSwallowsErrors(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), failingSecrets{}, nil)
	got := r.ResolveSecret(context.Background(), Connector{TenantID: "t1", SecretProviderKey: "k"})
	assert.Nil(t, got)
}
