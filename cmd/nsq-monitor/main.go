package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/integration_builder/internal/config"
	"github.com/austindbirch/integration_builder/internal/logging"
)

// NSQStats represents the JSON structure returned by NSQ stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// monitor polls nsqd and exports the engine's event backlog and the depth
// of the dead-letter notice topic
type monitor struct {
	nsqdHTTP      string
	eventsTopic   string
	eventsChannel string
	dlqTopic      string
	client        *http.Client

	eventsBacklog   prometheus.Gauge
	dlqTopicDepth   prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newMonitor(nsqdHTTP string, cfg config.NSQ) *monitor {
	return &monitor{
		nsqdHTTP:      nsqdHTTP,
		eventsTopic:   cfg.EventsTopic,
		eventsChannel: cfg.EventsChannel,
		dlqTopic:      cfg.DLQTopic,
		client:        &http.Client{Timeout: 5 * time.Second},

		eventsBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "integration_builder_events_backlog",
			Help: "Domain events waiting on the engine's consumer channel",
		}),
		dlqTopicDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "integration_builder_dlq_notices_depth",
			Help: "Dead-letter notices waiting on the DLQ topic",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "integration_builder_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "integration_builder_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
	}
}

func (m *monitor) register(reg prometheus.Registerer) {
	reg.MustRegister(m.eventsBacklog, m.dlqTopicDepth, m.channelDepth, m.channelInflight)
}

func main() {
	log := logging.New("nsq-monitor")
	cfg := config.FromEnv()
	nsqdHTTP := getEnv("NSQD_HTTP_ADDR", "nsqd:4151")
	port := getEnv("PORT", "8084")
	interval := time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 15)) * time.Second

	m := newMonitor(nsqdHTTP, cfg.NSQ)
	reg := prometheus.NewRegistry()
	m.register(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go m.run(ctx, interval, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Plain().WithFields(map[string]any{
		"port":     port,
		"nsqd":     nsqdHTTP,
		"interval": interval.String(),
	}).Info("nsq monitor starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Plain().WithError(err).Fatal("nsq monitor failed")
	}
}

func (m *monitor) run(ctx context.Context, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.update(ctx); err != nil {
			log.Plain().WithError(err).Warn("error updating metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", m.nsqdHTTP), nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		switch topic.TopicName {
		case m.dlqTopic:
			m.dlqTopicDepth.Set(float64(topic.Depth))
		case m.eventsTopic:
		default:
			continue
		}
		for _, channel := range topic.Channels {
			if topic.TopicName == m.eventsTopic && channel.ChannelName == m.eventsChannel {
				m.eventsBacklog.Set(float64(channel.Depth))
			}
			m.channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
