// Package admin is the tenant-scoped JSON API over connectors, deliveries and
// metrics. The tenant always comes from the auth middleware, never the body.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/integration_builder/internal/auth"
	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/delivery"
	"github.com/austindbirch/integration_builder/internal/event"
	"github.com/austindbirch/integration_builder/internal/ingest"
	"github.com/austindbirch/integration_builder/internal/logging"
	"github.com/austindbirch/integration_builder/internal/report"
)

const (
	maxBodyBytes    = 1 << 20
	defaultDLQLimit = 50
	maxDLQLimit     = 500
)

var errBadRequest = errors.New("bad request")

type Server struct {
	connectors *connector.Registry
	deliveries delivery.Store
	reports    *report.Service
	events     ingest.EventSink
	log        *logging.Logger
	now        func() time.Time
}

func NewServer(connectors *connector.Registry, deliveries delivery.Store, reports *report.Service, events ingest.EventSink, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{
		connectors: connectors,
		deliveries: deliveries,
		reports:    reports,
		events:     events,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Routes registers the /v1 API. Authentication is applied by the caller.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ping", s.ping)

	mux.HandleFunc("GET /v1/connectors", s.tenant(s.listConnectors))
	mux.HandleFunc("PUT /v1/connectors", s.tenant(s.upsertConnector))
	mux.HandleFunc("POST /v1/connectors/preview", s.tenant(s.preview))
	mux.HandleFunc("GET /v1/connectors/{id}", s.tenant(s.getConnector))
	mux.HandleFunc("DELETE /v1/connectors/{id}", s.tenant(s.deleteConnector))
	mux.HandleFunc("GET /v1/connectors/{id}/metrics", s.tenant(s.connectorMetrics))
	mux.HandleFunc("GET /v1/connectors/{id}/dlq", s.tenant(s.listDLQ))
	mux.HandleFunc("POST /v1/connectors/{id}/dlq/requeue", s.tenant(s.requeueDLQ))

	mux.HandleFunc("GET /v1/deliveries/{id}", s.tenant(s.getDelivery))
	mux.HandleFunc("GET /v1/summary", s.tenant(s.summary))
	mux.HandleFunc("POST /v1/events", s.tenant(s.publishEvent))
	return mux
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenantID string) error

// tenant resolves the caller's tenant and maps handler errors to responses
func (s *Server) tenant(h tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := auth.TenantFromContext(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing tenant"})
			return
		}
		if err := h(w, r, tenantID); err != nil {
			s.writeError(r.Context(), w, tenantID, err)
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, connector.ErrInvalid),
		errors.Is(err, event.ErrInvalid),
		errors.Is(err, delivery.ErrBadOutcome):
		return http.StatusBadRequest
	case errors.Is(err, connector.ErrNotFound), errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, tenantID string, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.WithContext(ctx).WithTenant(tenantID).WithError(err).Error("admin request failed")
		msg = "internal error"
	}
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}
