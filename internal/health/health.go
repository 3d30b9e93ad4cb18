package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger is satisfied by *pgxpool.Pool. A nil Pinger means no database (memory store).
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
}

func check(ctx context.Context, p Pinger) Status {
	if p == nil {
		return Status{OK: true, Message: "ok"}
	}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Status{OK: false, Message: "db ping failed"}
	}
	return Status{OK: true, Message: "ok", Database: true}
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := check(r.Context(), p)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// NewGRPCServer returns a gRPC server exposing the standard health service,
// instrumented with otelgrpc. The overall ("") status starts SERVING.
func NewGRPCServer() (*grpc.Server, *grpc_health.Server) {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return srv, hs
}

// Watch refreshes the gRPC serving status from p every interval until ctx is done
func Watch(ctx context.Context, hs *grpc_health.Server, p Pinger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		Sync(ctx, hs, p)
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// Sync sets the overall serving status from one ping
func Sync(ctx context.Context, hs *grpc_health.Server, p Pinger) {
	status := healthpb.HealthCheckResponse_SERVING
	if !check(ctx, p).OK {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hs.SetServingStatus("", status)
}
