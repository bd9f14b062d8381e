package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for cloudmgr. A zero or disabled
// Metrics is valid and records nothing.
type Metrics struct {
	config MetricsConfig

	// Refresh metrics
	refreshesCompleted *prometheus.CounterVec
	refreshDuration    *prometheus.HistogramVec
	activeRefreshes    prometheus.Gauge
	queuedRefreshes    prometheus.Gauge
	inventoryEntities  *prometheus.GaugeVec

	// Verification metrics
	verifications *prometheus.CounterVec

	// Power metrics
	powerOps *prometheus.CounterVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		refreshesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refreshes_completed_total",
				Help:      "Total number of inventory refresh cycles by outcome",
			},
			[]string{"provider", "status"},
		),
		refreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Duration of inventory refresh cycles in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "status"},
		),
		activeRefreshes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_refreshes",
				Help:      "Current number of running refresh cycles",
			},
		),
		queuedRefreshes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_refreshes",
				Help:      "Current number of connections waiting for a refresh worker",
			},
		),
		inventoryEntities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inventory_entities",
				Help:      "Number of persisted inventory entities per connection and kind",
			},
			[]string{"connection", "kind"},
		),

		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_verifications_total",
				Help:      "Total number of credential verifications by result",
			},
			[]string{"provider", "result"},
		),

		powerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "power_operations_total",
				Help:      "Total number of power operations by action and outcome",
			},
			[]string{"provider", "action", "outcome"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider API calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of failed provider API calls",
			},
			[]string{"provider", "operation"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_kind_total",
				Help:      "Total number of classified errors by kind",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.refreshesCompleted,
		m.refreshDuration,
		m.activeRefreshes,
		m.queuedRefreshes,
		m.inventoryEntities,
		m.verifications,
		m.powerOps,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.errorsByKind,
	)

	return m, nil
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Refresh Metrics

// RecordRefreshStarted marks a refresh cycle as running.
func (m *Metrics) RecordRefreshStarted() {
	if m == nil || m.activeRefreshes == nil {
		return
	}
	m.activeRefreshes.Inc()
}

// RecordRefreshCompleted records a finished refresh cycle.
func (m *Metrics) RecordRefreshCompleted(provider, status string, duration time.Duration) {
	if m == nil || m.refreshesCompleted == nil {
		return
	}
	m.refreshesCompleted.WithLabelValues(provider, status).Inc()
	m.refreshDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
	m.activeRefreshes.Dec()
}

// SetQueuedRefreshes sets the number of connections waiting for a worker.
func (m *Metrics) SetQueuedRefreshes(count int) {
	if m == nil || m.queuedRefreshes == nil {
		return
	}
	m.queuedRefreshes.Set(float64(count))
}

// SetInventoryCounts publishes the persisted entity counts of a connection.
func (m *Metrics) SetInventoryCounts(connection string, counts map[string]int) {
	if m == nil || m.inventoryEntities == nil {
		return
	}
	for kind, n := range counts {
		m.inventoryEntities.WithLabelValues(connection, kind).Set(float64(n))
	}
}

// ForgetConnection drops all per-connection series.
func (m *Metrics) ForgetConnection(connection string) {
	if m == nil || m.inventoryEntities == nil {
		return
	}
	m.inventoryEntities.DeletePartialMatch(prometheus.Labels{"connection": connection})
}

// RecordVerification records the result of a credential verification.
// result is "ok" or an error kind.
func (m *Metrics) RecordVerification(provider, result string) {
	if m == nil || m.verifications == nil {
		return
	}
	m.verifications.WithLabelValues(provider, result).Inc()
}

// RecordPowerOperation records one power operation outcome.
func (m *Metrics) RecordPowerOperation(provider, action, outcome string) {
	if m == nil || m.powerOps == nil {
		return
	}
	m.powerOps.WithLabelValues(provider, action, outcome).Inc()
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if m == nil || m.providerCalls == nil {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation string) {
	if m == nil || m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation).Inc()
}

// RecordError records a classified error.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if m == nil || !m.config.Enabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
