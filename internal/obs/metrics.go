// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_sessions_active",
		Help: "Number of sessions currently tracked by the session manager",
	})
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_sessions_created_total",
		Help: "Total number of sessions created",
	})
	SessionsReleased = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_sessions_released_total",
		Help: "Total number of sessions released, labelled by reason",
	}, []string{"reason"})
	RelayFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_relay_frames_total",
		Help: "Backend frames consumed by the progress relay, labelled by frame type",
	}, []string{"type"})
	GenerationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_generations_total",
		Help: "Total number of prompts successfully submitted to a backend",
	})
	UploadsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_uploads_rejected_total",
		Help: "Uploads rejected by the file validator, labelled by gate",
	}, []string{"gate"})
	BackendQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_backend_queue_depth",
		Help: "Last observed queue depth per backend address",
	}, []string{"backend"})
	BackendUnreachable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_backend_unreachable_total",
		Help: "Count of failed queue-depth polls, labelled by backend",
	}, []string{"backend"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bridge_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, labelled by backend",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(
		SessionsActive, SessionsCreated, SessionsReleased,
		RelayFramesTotal, GenerationsTotal, UploadsRejected,
		BackendQueueDepth, BackendUnreachable, CircuitBreakerState,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
