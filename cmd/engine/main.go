package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/integration_builder/internal/admin"
	"github.com/austindbirch/integration_builder/internal/auth"
	"github.com/austindbirch/integration_builder/internal/config"
	"github.com/austindbirch/integration_builder/internal/connector"
	"github.com/austindbirch/integration_builder/internal/db"
	"github.com/austindbirch/integration_builder/internal/delivery"
	"github.com/austindbirch/integration_builder/internal/dispatcher"
	"github.com/austindbirch/integration_builder/internal/health"
	"github.com/austindbirch/integration_builder/internal/ingest"
	"github.com/austindbirch/integration_builder/internal/logging"
	"github.com/austindbirch/integration_builder/internal/metrics"
	"github.com/austindbirch/integration_builder/internal/report"
	"github.com/austindbirch/integration_builder/internal/secrets"
	"github.com/austindbirch/integration_builder/internal/tracing"
)

// engine holds the wired components of one process
type engine struct {
	handler    http.Handler
	dispatcher *dispatcher.Dispatcher
	ingest     *ingest.Service
	pinger     health.Pinger
	closers    []func()
}

func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func newEngine(ctx context.Context, cfg config.Config, log *logging.Logger) (*engine, error) {
	e := &engine{}

	var (
		connStore connector.Store
		delStore  delivery.Store
	)
	switch cfg.Store {
	case "postgres":
		if err := db.Migrate(cfg.DSN()); err != nil {
			return nil, err
		}
		pool, err := db.Connect(ctx, cfg.DSN(), cfg.DB.MaxConns)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, pool.Close)
		e.pinger = pool
		connStore = connector.NewPostgresStore(pool)
		delStore = delivery.NewPostgresStore(pool)
	default:
		log.Plain().Warn("using in-memory stores; state is lost on restart")
		connStore = connector.NewMemoryStore()
		delStore = delivery.NewMemoryStore()
	}

	var sec secrets.Store
	switch cfg.Secrets.Backend {
	case "redis":
		client, err := secrets.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			e.close()
			return nil, err
		}
		e.closers = append(e.closers, func() { _ = client.Close() })
		sec = secrets.NewRedisStore(client, cfg.Redis.KeyPrefix)
	default:
		static := secrets.NewStaticStore()
		if cfg.Secrets.StaticFile != "" {
			if err := static.LoadFile(cfg.Secrets.StaticFile); err != nil {
				e.close()
				return nil, err
			}
		}
		sec = static
	}

	registry := connector.NewRegistry(connStore, sec, log.Named("connectors"))
	instanceID := cfg.ControlPlane.InstanceID
	if instanceID == "" {
		instanceID = tracing.InstanceID()
	}
	reports := report.NewService(registry, delStore, instanceID)
	reporter := report.NewReporter(reports, cfg.ControlPlane.URL, cfg.ControlPlane.IngestToken, cfg.ControlPlane.Timeout)

	opts := []dispatcher.Option{
		dispatcher.WithLogger(log.Named("dispatcher")),
		dispatcher.WithReporter(reporter),
	}
	if cfg.NSQ.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			e.close()
			return nil, fmt.Errorf("nsq producer: %w", err)
		}
		e.closers = append(e.closers, producer.Stop)
		opts = append(opts, dispatcher.WithNotifier(delivery.NewNSQNotifier(producer, cfg.NSQ.DLQTopic)))
	}
	e.dispatcher = dispatcher.New(dispatcher.Config{
		Interval:         cfg.Dispatcher.Interval,
		BatchLimit:       cfg.Dispatcher.BatchLimit,
		Concurrency:      cfg.Dispatcher.Concurrency,
		StaleAfter:       cfg.Dispatcher.StaleAfter,
		MaxResponseBytes: cfg.Dispatcher.MaxResponseBytes,
	}, registry, delStore, opts...)

	e.ingest = ingest.NewService(registry, delStore, log.Named("ingest"))

	mw, err := auth.NewMiddleware(cfg.Auth)
	if err != nil {
		e.close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	api := admin.NewServer(registry, delStore, reports, e.ingest, log.Named("admin"))
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(e.pinger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/", api.Routes())
	e.handler = mw.Handler(mux)

	return e, nil
}

func main() {
	cfg := config.FromEnv()
	logger := logging.NewWithWriter(cfg.AppName, os.Stdout, logging.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.InitTracing(ctx, cfg.AppName, cfg.Tracing)
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing()

	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("engine startup failed")
	}
	defer e.close()

	if cfg.NSQ.Enabled {
		consumer, err := ingest.NewConsumer(cfg.NSQ, ingest.NSQHandler(e.ingest, logger.Named("ingest")))
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer startup failed")
		}
		defer consumer.Stop()
		logger.Plain().WithField("topic", cfg.NSQ.EventsTopic).Info("consuming domain events")
	}

	grpcSrv, hs := health.NewGRPCServer()
	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Error("gRPC serve failed")
		}
	}()
	go health.Watch(ctx, hs, e.pinger, 10*time.Second)

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: e.handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("admin HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.dispatcher.Run(ctx); err != nil {
			logger.Plain().WithError(err).Error("dispatcher stopped")
		}
	}()

	<-ctx.Done()
	logger.Plain().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	<-done
	logger.Plain().Info("engine stopped")
}
