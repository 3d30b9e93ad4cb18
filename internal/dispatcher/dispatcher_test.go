package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/delivery"
	"github.com/austindbirch/integration_builder/internal/event"
	"github.com/austindbirch/integration_builder/internal/secrets"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	d     *Dispatcher
	reg   *connector.Registry
	sec   *secrets.StaticStore
	store *delivery.MemoryStore
	clock *clock
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	sec := secrets.NewStaticStore()
	reg := connector.NewRegistry(connector.NewMemoryStore(), sec, nil).WithClock(clk.now)
	store := delivery.NewMemoryStore()
	opts = append([]Option{WithClock(clk.now)}, opts...)
	return &harness{
		d:     New(cfg, reg, store, opts...),
		reg:   reg,
		sec:   sec,
		store: store,
		clock: clk,
	}
}

func (h *harness) connector(t *testing.T, tenantID string, s connector.Spec) connector.Connector {
	t.Helper()
	if s.Name == "" {
		s.Name = "orders"
	}
	if s.SourceEvent == "" {
		s.SourceEvent = "OrderCreated"
	}
	c, err := h.reg.Upsert(context.Background(), tenantID, s)
	require.NoError(t, err)
	return c
}

func (h *harness) enqueue(t *testing.T, c connector.Connector, eventID string) delivery.Delivery {
	t.Helper()
	env := event.Envelope{
		ID:         eventID,
		Name:       c.SourceEvent,
		CompanyID:  c.TenantID,
		OccurredAt: h.clock.now(),
		Payload:    json.RawMessage(`{"orderId":"o-1","total":42}`),
	}
	nd, err := delivery.For(c, env, h.clock.now())
	require.NoError(t, err)
	created, err := h.store.Enqueue(context.Background(), nd)
	require.NoError(t, err)
	require.True(t, created)
	return h.get(t, c.TenantID, nd.ID)
}

func (h *harness) get(t *testing.T, tenantID, id string) delivery.Delivery {
	t.Helper()
	d, err := h.store.Get(context.Background(), tenantID, id)
	require.NoError(t, err)
	return d
}

type received struct {
	method  string
	headers http.Header
	body    string
}

// receiver answers with status and records every request
func receiver(t *testing.T, status int, respBody string) (*httptest.Server, func() []received) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []received
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, received{method: r.Method, headers: r.Header.Clone(), body: string(b)})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []received {
		mu.Lock()
		defer mu.Unlock()
		return append([]received(nil), got...)
	}
}

type fakeNotifier struct {
	mu      sync.Mutex
	letters []delivery.DeadLetter
}

func (f *fakeNotifier) Notify(_ context.Context, dl delivery.DeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.letters = append(f.letters, dl)
	return nil
}

type fakeReporter struct {
	mu      sync.Mutex
	tenants []string
	err     error
}

func (f *fakeReporter) Report(_ context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants = append(f.tenants, tenantID)
	return f.err
}

func TestTick_SuccessBuildsMappedRequest(t *testing.T) {
	srv, requests := receiver(t, http.StatusOK, `{"ok":true}`)
	h := newHarness(t, Config{})
	c := h.connector(t, "t1", connector.Spec{
		URL:      srv.URL + "/hook",
		Headers:  json.RawMessage(`{"X-Event-Id":"$.id","X-Tenant":"{{event.companyId}}"}`),
		Body:     json.RawMessage(`{"order":"$.payload.orderId","total":"$.payload.total","sig":"{{secret.token}}"}`),
		AuthMode: connector.AuthBearerToken,
	})
	h.sec.Set("t1", c.SecretProviderKey, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"token": structpb.NewStringValue("s3cr3t"),
	}}))
	del := h.enqueue(t, c, "evt-1")

	require.NoError(t, h.d.Tick(context.Background()))

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "Bearer s3cr3t", reqs[0].headers.Get("Authorization"))
	assert.Equal(t, "evt-1", reqs[0].headers.Get("X-Event-Id"))
	assert.Equal(t, "t1", reqs[0].headers.Get("X-Tenant"))
	assert.Equal(t, "application/json", reqs[0].headers.Get("Content-Type"))
	assert.JSONEq(t, `{"order":"o-1","total":42,"sig":"s3cr3t"}`, reqs[0].body)

	got := h.get(t, "t1", del.ID)
	assert.Equal(t, delivery.StatusSuccess, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.NotNil(t, got.DeliveredAt)
	assert.Nil(t, got.NextAttemptAt)
	assert.Equal(t, http.StatusOK, got.ResponseStatus)
	assert.Equal(t, `{"ok":true}`, got.ResponseBody)
	assert.JSONEq(t, reqs[0].body, got.RequestPayload)
	assert.Equal(t, "[REDACTED]", got.RequestHeaders["Authorization"])
	assert.Empty(t, got.LastError)

	saved, err := h.reg.Get(context.Background(), "t1", c.ID)
	require.NoError(t, err)
	require.NotNil(t, saved.LastSuccessAt)
	assert.Equal(t, h.clock.now(), *saved.LastSuccessAt)
}

func TestTick_DefaultBodyIsWholeEnvelope(t *testing.T) {
	srv, requests := receiver(t, http.StatusAccepted, "")
	h := newHarness(t, Config{})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL})
	h.enqueue(t, c, "evt-1")

	require.NoError(t, h.d.Tick(context.Background()))

	reqs := requests()
	require.Len(t, reqs, 1)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(reqs[0].body), &body))
	assert.Equal(t, "evt-1", body["id"])
	assert.Equal(t, "OrderCreated", body["name"])
	assert.Equal(t, map[string]any{"orderId": "o-1", "total": float64(42)}, body["payload"])
	assert.Empty(t, reqs[0].headers.Get("Authorization"))
}

func TestTick_GetSendsNoBody(t *testing.T) {
	srv, requests := receiver(t, http.StatusOK, "")
	h := newHarness(t, Config{})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL, Method: "get"})
	del := h.enqueue(t, c, "evt-1")

	require.NoError(t, h.d.Tick(context.Background()))

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].method)
	assert.Empty(t, reqs[0].body)
	assert.Empty(t, h.get(t, "t1", del.ID).RequestPayload)
}

func TestTick_RetryThenDLQ(t *testing.T) {
	srv, requests := receiver(t, http.StatusServiceUnavailable, "busy")
	notifier := &fakeNotifier{}
	h := newHarness(t, Config{}, WithNotifier(notifier))
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL, RetryMaxAttempts: 3, RetryBackoffBaseMs: 1000})
	del := h.enqueue(t, c, "evt-1")
	ctx := context.Background()

	require.NoError(t, h.d.Tick(ctx))
	got := h.get(t, "t1", del.ID)
	assert.Equal(t, delivery.StatusRetryScheduled, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "HTTP 503: busy", got.LastError)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, h.clock.now().Add(time.Second), *got.NextAttemptAt)

	saved, err := h.reg.Get(ctx, "t1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "HTTP 503: busy", saved.LastError)
	assert.NotNil(t, saved.LastFailureAt)

	// not due yet
	require.NoError(t, h.d.Tick(ctx))
	assert.Len(t, requests(), 1)

	h.clock.advance(time.Second)
	require.NoError(t, h.d.Tick(ctx))
	got = h.get(t, "t1", del.ID)
	assert.Equal(t, delivery.StatusRetryScheduled, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, h.clock.now().Add(2*time.Second), *got.NextAttemptAt)

	h.clock.advance(2 * time.Second)
	require.NoError(t, h.d.Tick(ctx))
	got = h.get(t, "t1", del.ID)
	assert.Equal(t, delivery.StatusDLQ, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	assert.Nil(t, got.NextAttemptAt)
	assert.Len(t, requests(), 3)

	require.Len(t, notifier.letters, 1)
	dl := notifier.letters[0]
	assert.Equal(t, delivery.DLQType, dl.Type)
	assert.Equal(t, del.ID, dl.DeliveryID)
	assert.Equal(t, 3, dl.Attempt)
	assert.Equal(t, http.StatusServiceUnavailable, dl.HTTPStatus)

	// DLQ is terminal for the dispatcher
	h.clock.advance(time.Hour)
	require.NoError(t, h.d.Tick(ctx))
	assert.Len(t, requests(), 3)
}

func TestTick_InactiveConnectorFails(t *testing.T) {
	srv, requests := receiver(t, http.StatusOK, "")
	h := newHarness(t, Config{})
	ctx := context.Background()

	disabled := h.connector(t, "t1", connector.Spec{URL: srv.URL, Name: "disabled"})
	deleted := h.connector(t, "t1", connector.Spec{URL: srv.URL, Name: "deleted"})
	d1 := h.enqueue(t, disabled, "evt-1")
	d2 := h.enqueue(t, deleted, "evt-1")

	off := false
	_, err := h.reg.Upsert(ctx, "t1", connector.Spec{ID: disabled.ID, Name: "disabled", SourceEvent: "OrderCreated", URL: srv.URL, Enabled: &off})
	require.NoError(t, err)
	require.NoError(t, h.reg.SoftDelete(ctx, "t1", deleted.ID))

	require.NoError(t, h.d.Tick(ctx))

	assert.Empty(t, requests())
	for _, id := range []string{d1.ID, d2.ID} {
		got := h.get(t, "t1", id)
		assert.Equal(t, delivery.StatusFailed, got.Status)
		assert.Equal(t, delivery.ErrCodeConnectorInactive, got.LastError)
		assert.Equal(t, 0, got.AttemptCount)
	}
}

func TestTick_MissingConnectorFails(t *testing.T) {
	h := newHarness(t, Config{})
	nd := delivery.NewDelivery{ID: "d1", TenantID: "t1", ConnectorID: "gone", EventID: "e1", SourceEvent: "X", Envelope: []byte(`{}`), MaxAttempts: 3, At: h.clock.now()}
	_, err := h.store.Enqueue(context.Background(), nd)
	require.NoError(t, err)

	require.NoError(t, h.d.Tick(context.Background()))
	got := h.get(t, "t1", "d1")
	assert.Equal(t, delivery.StatusFailed, got.Status)
	assert.Equal(t, delivery.ErrCodeConnectorInactive, got.LastError)
}

func TestTick_TimeoutIsAFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, Config{})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL, TimeoutMs: connector.MinTimeoutMs})
	del := h.enqueue(t, c, "evt-1")

	require.NoError(t, h.d.Tick(context.Background()))
	got := h.get(t, "t1", del.ID)
	assert.Equal(t, delivery.StatusRetryScheduled, got.Status)
	assert.Contains(t, got.LastError, "context deadline exceeded")
	assert.Zero(t, got.ResponseStatus)
}

func TestTick_ResponseBodyTruncated(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	srv, _ := receiver(t, http.StatusBadRequest, string(long))
	h := newHarness(t, Config{MaxResponseBytes: 10})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL})
	del := h.enqueue(t, c, "evt-1")

	require.NoError(t, h.d.Tick(context.Background()))
	got := h.get(t, "t1", del.ID)
	assert.Equal(t, "xxxxxxxxxx", got.ResponseBody)
	assert.Equal(t, "HTTP 400: xxxxxxxxxx", got.LastError)
}

func TestTick_SecretLookupFailureStillSends(t *testing.T) {
	srv, requests := receiver(t, http.StatusOK, "")
	h := newHarness(t, Config{})
	reg := connector.NewRegistry(connector.NewMemoryStore(), brokenSecrets{}, nil).WithClock(h.clock.now)
	h.reg = reg
	h.d = New(Config{}, reg, h.store, WithClock(h.clock.now))

	c := h.connector(t, "t1", connector.Spec{URL: srv.URL, AuthMode: connector.AuthBearerToken,
		Headers: json.RawMessage(`{"X-Sig":"{{secret.token}}"}`)})
	del := h.enqueue(t, c, "evt-1")

	require.NoError(t, h.d.Tick(context.Background()))
	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Empty(t, reqs[0].headers.Get("Authorization"))
	assert.Empty(t, reqs[0].headers.Get("X-Sig"))
	assert.Equal(t, delivery.StatusSuccess, h.get(t, "t1", del.ID).Status)
}

type brokenSecrets struct{}

func (brokenSecrets) Resolve(context.Context, string, string) (*structpb.Value, error) {
	return nil, errors.New("vault sealed")
}

type panickingDoer struct{}

func (panickingDoer) Do(*http.Request) (*http.Response, error) { panic("transport exploded") }

func TestTick_PanicBecomesFailedAttempt(t *testing.T) {
	h := newHarness(t, Config{}, WithHTTPClient(panickingDoer{}))
	c := h.connector(t, "t1", connector.Spec{URL: "https://example.test/hook"})
	del := h.enqueue(t, c, "evt-1")

	require.NoError(t, h.d.Tick(context.Background()))
	got := h.get(t, "t1", del.ID)
	assert.Equal(t, delivery.StatusRetryScheduled, got.Status)
	assert.Contains(t, got.LastError, "transport exploded")
}

type outcomeFailStore struct {
	*delivery.MemoryStore
}

func (outcomeFailStore) RecordOutcome(context.Context, string, string, delivery.Outcome) error {
	return errors.New("write failed")
}

func TestTick_RecordOutcomeErrorPropagates(t *testing.T) {
	srv, _ := receiver(t, http.StatusOK, "")
	h := newHarness(t, Config{})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL})
	del := h.enqueue(t, c, "evt-1")
	h.enqueue(t, c, "evt-2")

	d := New(Config{}, h.reg, outcomeFailStore{h.store}, WithClock(h.clock.now))
	err := d.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write failed")
	assert.Contains(t, err.Error(), del.ID)

	saved, err := h.reg.Get(context.Background(), "t1", c.ID)
	require.NoError(t, err)
	assert.Nil(t, saved.LastSuccessAt, "health not updated when the outcome was not stored")
}

func TestTick_ReportsOncePerTenant(t *testing.T) {
	srv, _ := receiver(t, http.StatusOK, "")
	rep := &fakeReporter{err: errors.New("control plane down")}
	h := newHarness(t, Config{}, WithReporter(rep))
	c1 := h.connector(t, "t1", connector.Spec{URL: srv.URL})
	c2 := h.connector(t, "t2", connector.Spec{URL: srv.URL})
	h.enqueue(t, c1, "evt-1")
	h.enqueue(t, c1, "evt-2")
	h.enqueue(t, c2, "evt-1")

	require.NoError(t, h.d.Tick(context.Background()))
	h.d.Wait()

	assert.ElementsMatch(t, []string{"t1", "t2"}, rep.tenants)
}

func TestTick_NoWorkNoReport(t *testing.T) {
	rep := &fakeReporter{}
	h := newHarness(t, Config{}, WithReporter(rep))
	require.NoError(t, h.d.Tick(context.Background()))
	h.d.Wait()
	assert.Empty(t, rep.tenants)
}

func TestTick_ReclaimsStaleProcessing(t *testing.T) {
	srv, requests := receiver(t, http.StatusOK, "")
	h := newHarness(t, Config{StaleAfter: 4 * time.Minute})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL})
	del := h.enqueue(t, c, "evt-1")
	ctx := context.Background()

	// a dispatcher that died mid-attempt
	claimed, err := h.store.ClaimDue(ctx, 10, h.clock.now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	h.clock.advance(time.Minute)
	require.NoError(t, h.d.Tick(ctx))
	assert.Empty(t, requests(), "not stale yet")

	h.clock.advance(4 * time.Minute)
	require.NoError(t, h.d.Tick(ctx))
	assert.Len(t, requests(), 1)
	got := h.get(t, "t1", del.ID)
	assert.Equal(t, delivery.StatusSuccess, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestTick_BatchLimit(t *testing.T) {
	srv, requests := receiver(t, http.StatusOK, "")
	h := newHarness(t, Config{BatchLimit: 2, Concurrency: 2})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL})
	for _, id := range []string{"e1", "e2", "e3"} {
		h.enqueue(t, c, id)
	}

	require.NoError(t, h.d.Tick(context.Background()))
	assert.Len(t, requests(), 2)
	require.NoError(t, h.d.Tick(context.Background()))
	assert.Len(t, requests(), 3)
}

func TestRun_StopsOnCancel(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, Config{Interval: 10 * time.Millisecond})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL})
	h.enqueue(t, c, "evt-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		err    error
		status int
		want   string
	}{
		{context.DeadlineExceeded, 0, "timeout"},
		{errors.New("dial tcp: connection refused"), 0, "connection_refused"},
		{errors.New("lookup x: no such host"), 0, "dns_error"},
		{errors.New("build request: bad template"), 0, "mapping"},
		{errors.New("EOF"), 0, "network"},
		{nil, 502, "http_5xx"},
		{nil, 429, "http_429"},
		{nil, 404, "http_4xx"},
		{nil, 302, "other"},
	}
	for _, tt := range tests {
		if got := classifyReason(tt.err, tt.status); got != tt.want {
			t.Errorf("classifyReason(%v, %d) = %q, want %q", tt.err, tt.status, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	d := New(Config{}, nil, nil)
	assert.Equal(t, 2*time.Second, d.cfg.Interval)
	assert.Equal(t, 25, d.cfg.BatchLimit)
	assert.Equal(t, 8, d.cfg.Concurrency)
	assert.Equal(t, delivery.DefaultMaxBodyBytes, d.cfg.MaxResponseBytes)
	assert.Equal(t, 4*time.Minute, DefaultConfig().StaleAfter)
}

// gatedReceiver counts requests per X-Event-Id and holds requests for gated
// events until release is closed
func gatedReceiver(t *testing.T, gated string) (srv *httptest.Server, hits func() map[string]int, started <-chan struct{}, release func()) {
	t.Helper()
	var (
		mu     sync.Mutex
		counts = map[string]int{}
		once   sync.Once
		ch     = make(chan struct{})
		gate   = make(chan struct{})
		closed sync.Once
	)
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Event-Id")
		mu.Lock()
		counts[id]++
		mu.Unlock()
		if id == gated {
			once.Do(func() { close(ch) })
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	release = func() { closed.Do(func() { close(gate) }) }
	t.Cleanup(srv.Close)
	t.Cleanup(release)
	hits = func() map[string]int {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]int, len(counts))
		for k, v := range counts {
			out[k] = v
		}
		return out
	}
	return srv, hits, ch, release
}

func TestTick_TwoDispatchersNeverSendConcurrently(t *testing.T) {
	srv, hits, e1Started, release := gatedReceiver(t, "e1")
	h := newHarness(t, Config{})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL, Headers: json.RawMessage(`{"X-Event-Id":"$.id"}`)})
	d1 := h.enqueue(t, c, "e1")
	h.clock.advance(time.Second)
	d2 := h.enqueue(t, c, "e2")
	base := h.clock.now()

	// A claims both at base and starts e1 three minutes later; e2 waits behind it
	var calls atomic.Int32
	clockA := func() time.Time {
		if calls.Add(1) == 1 {
			return base
		}
		return base.Add(3 * time.Minute)
	}
	cfg := Config{BatchLimit: 2, Concurrency: 1, StaleAfter: 4 * time.Minute}
	a := New(cfg, h.reg, h.store, WithClock(clockA))
	b := New(Config{BatchLimit: 2, Concurrency: 2, StaleAfter: 4 * time.Minute}, h.reg, h.store,
		WithClock(func() time.Time { return base.Add(5 * time.Minute) }))

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- a.Tick(ctx) }()

	select {
	case <-e1Started:
	case <-time.After(2 * time.Second):
		t.Fatal("e1 was never sent")
	}

	// e2's claim is stale, e1's attempt is not
	require.NoError(t, b.Tick(ctx))
	assert.Equal(t, map[string]int{"e1": 1, "e2": 1}, hits())
	assert.Equal(t, delivery.StatusSuccess, h.get(t, "t1", d2.ID).Status)
	assert.Equal(t, delivery.StatusProcessing, h.get(t, "t1", d1.ID).Status, "e1 still belongs to A")

	release()
	select {
	case err := <-done:
		require.NoError(t, err, "a superseded delivery is skipped, not an error")
	case <-time.After(2 * time.Second):
		t.Fatal("A's tick did not finish")
	}

	assert.Equal(t, map[string]int{"e1": 1, "e2": 1}, hits(), "A must not send e2 after B took it")
	got1 := h.get(t, "t1", d1.ID)
	assert.Equal(t, delivery.StatusSuccess, got1.Status)
	assert.Equal(t, 1, got1.AttemptCount)
	got2 := h.get(t, "t1", d2.ID)
	assert.Equal(t, delivery.StatusSuccess, got2.Status)
	assert.Equal(t, 1, got2.AttemptCount)
}

func TestTick_SupersededOutcomeIsDropped(t *testing.T) {
	srv, _, e1Started, release := gatedReceiver(t, "e1")
	h := newHarness(t, Config{})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL, Headers: json.RawMessage(`{"X-Event-Id":"$.id"}`)})
	del := h.enqueue(t, c, "e1")
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.d.Tick(ctx) }()
	<-e1Started

	// another worker reclaims and finishes the delivery while the first attempt hangs
	now := h.clock.now().Add(10 * time.Minute)
	_, err := h.store.ReclaimStale(ctx, now, now)
	require.NoError(t, err)
	claimed, err := h.store.ClaimDue(ctx, 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, h.store.RecordOutcome(ctx, "t1", del.ID, delivery.Outcome{
		Status: delivery.StatusDLQ, AttemptCount: 3, At: now, Error: "HTTP 500: boom", Claim: claimed[0].LastAttemptAt,
	}))

	release()
	require.NoError(t, <-done)
	got := h.get(t, "t1", del.ID)
	assert.Equal(t, delivery.StatusDLQ, got.Status, "the late success must not overwrite the newer outcome")
	assert.Equal(t, 3, got.AttemptCount)
}

// cancelAwareStore fails writes on a cancelled context, like a database driver
type cancelAwareStore struct {
	*delivery.MemoryStore
}

func (s cancelAwareStore) RecordOutcome(ctx context.Context, tenantID, id string, o delivery.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.RecordOutcome(ctx, tenantID, id, o)
}

func TestTick_OutcomeRecordedAfterCancel(t *testing.T) {
	srv, _, e1Started, _ := gatedReceiver(t, "e1")
	h := newHarness(t, Config{})
	c := h.connector(t, "t1", connector.Spec{URL: srv.URL, Headers: json.RawMessage(`{"X-Event-Id":"$.id"}`)})
	del := h.enqueue(t, c, "e1")

	d := New(Config{}, h.reg, cancelAwareStore{h.store}, WithClock(h.clock.now))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Tick(ctx) }()
	<-e1Started
	cancel()

	require.NoError(t, <-done)
	got := h.get(t, "t1", del.ID)
	assert.Equal(t, delivery.StatusRetryScheduled, got.Status, "an interrupted attempt is recorded, not left processing")
	assert.Equal(t, 1, got.AttemptCount)
	assert.Contains(t, got.LastError, "context canceled")
}
