package admin

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/delivery"
	"github.com/austindbirch/integration_builder/internal/event"
)

func (s *Server) listConnectors(w http.ResponseWriter, r *http.Request, tenantID string) error {
	cs, err := s.connectors.List(r.Context(), tenantID)
	if err != nil {
		return err
	}
	if cs == nil {
		cs = []connector.Connector{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": cs})
	return nil
}

func (s *Server) upsertConnector(w http.ResponseWriter, r *http.Request, tenantID string) error {
	var spec connector.Spec
	if err := decode(w, r, &spec); err != nil {
		return err
	}
	c, err := s.connectors.Upsert(r.Context(), tenantID, spec)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, c)
	return nil
}

func (s *Server) getConnector(w http.ResponseWriter, r *http.Request, tenantID string) error {
	c, err := s.connectors.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, c)
	return nil
}

func (s *Server) deleteConnector(w http.ResponseWriter, r *http.Request, tenantID string) error {
	if err := s.connectors.SoftDelete(r.Context(), tenantID, r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request, tenantID string) error {
	var req connector.PreviewRequest
	if err := decode(w, r, &req); err != nil {
		return err
	}
	res, err := s.connectors.Preview(r.Context(), tenantID, req)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, res)
	return nil
}

func (s *Server) connectorMetrics(w http.ResponseWriter, r *http.Request, tenantID string) error {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("%w: window must be a positive duration like 24h", errBadRequest)
		}
		window = d
	}
	m, err := s.reports.ConnectorMetrics(r.Context(), tenantID, r.PathValue("id"), window)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, m)
	return nil
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultDLQLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", errBadRequest)
	}
	return min(n, maxDLQLimit), nil
}

func (s *Server) listDLQ(w http.ResponseWriter, r *http.Request, tenantID string) error {
	limit, err := queryLimit(r)
	if err != nil {
		return err
	}
	id := r.PathValue("id")
	if _, err := s.connectors.Get(r.Context(), tenantID, id); err != nil {
		return err
	}
	ds, err := s.deliveries.ListDLQ(r.Context(), tenantID, id, limit)
	if err != nil {
		return err
	}
	if ds == nil {
		ds = []delivery.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": ds})
	return nil
}

func (s *Server) requeueDLQ(w http.ResponseWriter, r *http.Request, tenantID string) error {
	id := r.PathValue("id")
	if _, err := s.connectors.Get(r.Context(), tenantID, id); err != nil {
		return err
	}
	n, err := s.deliveries.RequeueAllDLQ(r.Context(), tenantID, id, s.now())
	if err != nil {
		return err
	}
	s.log.WithContext(r.Context()).WithTenant(tenantID).WithConnector(id).WithField("count", n).Info("dlq requeued")
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
	return nil
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request, tenantID string) error {
	d, err := s.deliveries.Get(r.Context(), tenantID, r.PathValue("id"))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, d)
	return nil
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request, tenantID string) error {
	sum, err := s.reports.Summary(r.Context(), tenantID)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sum)
	return nil
}

// publishEvent hands an envelope to fan-out. The envelope's companyId must
// match the caller's tenant; an empty one is filled in.
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request, tenantID string) error {
	var env event.Envelope
	if err := decode(w, r, &env); err != nil {
		return err
	}
	switch env.CompanyID {
	case "":
		env.CompanyID = tenantID
	case tenantID:
	default:
		return fmt.Errorf("%w: companyId does not match the authenticated tenant", errBadRequest)
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = s.now()
	}
	n, err := s.events.OnEventStored(r.Context(), env)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"eventId": env.ID, "fanout": n})
	return nil
}
