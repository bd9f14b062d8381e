package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that records nothing. When logger is nil a
// discarding logger is used.
func Nop(logger *Logger) *Telemetry {
	if logger == nil {
		logger = NewNopLogger()
	}
	events, _ := NewEventPublisher(EventsConfig{})
	metrics, _ := NewMetrics(MetricsConfig{})
	return &Telemetry{
		Logger:  logger,
		Tracer:  NewNopTracer(),
		Metrics: metrics,
		Events:  events,
		Config:  DefaultConfig(),
	}
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// ProviderCall runs fn inside a provider span and records its duration
// and failure in the provider metrics.
func (t *Telemetry) ProviderCall(ctx context.Context, providerType, operation string, fn func(ctx context.Context) error) error {
	ctx, span := t.Tracer.StartProviderSpan(ctx, providerType, operation)
	timer := NewTimer()

	err := fn(ctx)

	t.Metrics.RecordProviderCall(providerType, operation, timer.Duration())
	if err != nil {
		t.Metrics.RecordProviderError(providerType, operation)
	}
	EndSpan(span, err)
	return err
}
