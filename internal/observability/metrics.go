package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics recorded across the server.
// A nil *Metrics is valid: every recorder method is a no-op on it, so
// packages can take an optional Metrics without guarding call sites.
type Metrics struct {
	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ProviderRequests counts upstream provider requests.
	// Labels: provider (search|reddit|scraper|llm), outcome (success
	// or the fault kind)
	ProviderRequests *prometheus.CounterVec

	// RetryAttempts counts attempts consumed by retrying operations,
	// first tries included.
	// Labels: provider
	RetryAttempts *prometheus.CounterVec

	// FanoutInFlight gauges tasks currently holding a fan-out slot.
	FanoutInFlight prometheus.Gauge
}

// NewMetrics creates and registers all metrics. A nil registerer uses
// the default registry; tests pass their own to stay isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scout_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),

		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_provider_requests_total",
				Help: "Total number of provider requests by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scout_retry_attempts_total",
				Help: "Total number of attempts consumed by provider operations",
			},
			[]string{"provider"},
		),

		FanoutInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scout_fanout_in_flight",
				Help: "Number of fan-out tasks currently executing",
			},
		),
	}
}

// RecordToolExecution records one tool invocation and its duration.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordProviderRequest records one upstream request outcome.
func (m *Metrics) RecordProviderRequest(provider, outcome string) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, outcome).Inc()
}

// AddRetryAttempts adds the attempts an operation consumed.
func (m *Metrics) AddRetryAttempts(provider string, attempts int) {
	if m == nil || attempts <= 0 {
		return
	}
	m.RetryAttempts.WithLabelValues(provider).Add(float64(attempts))
}

// TrackFanoutTask marks a fan-out task as running and returns the
// function that marks it done.
func (m *Metrics) TrackFanoutTask() func() {
	if m == nil {
		return func() {}
	}
	m.FanoutInFlight.Inc()
	return m.FanoutInFlight.Dec
}

// StartMetricsServer serves /metrics and /healthz on addr in the
// background and returns the shutdown function. The caller owns the
// shutdown; listen failures are logged, never fatal.
func StartMetricsServer(addr string, logger *slog.Logger) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()

	return srv.Shutdown
}
