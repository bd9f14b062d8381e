// Package telemetry provides observability instrumentation for cloudmgr.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing behind one
// Telemetry value that is threaded through the manager, the refresh
// coordinator and the power executor.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx)
//
// Tests use telemetry.Nop, optionally with a logger writing to a buffer:
//
//	var buf bytes.Buffer
//	tel := telemetry.Nop(telemetry.NewLoggerWithWriter(&buf, telemetry.LoggingConfig{Level: "debug"}))
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("power")
//	logger.WithConnection(conn.ID, conn.Name).
//	    WithResource(res.ID, res.Name, res.EmsRef).
//	    WithError(err).
//	    Error("power operation failed")
//
// Never log credential secrets. Connection and resource identity fields
// are the only identifiers attached by the helpers.
//
// # Metrics
//
// Key series, prefixed with the configured namespace:
//
//   - refreshes_completed_total{provider,status}
//   - refresh_duration_seconds{provider,status}
//   - active_refreshes, queued_refreshes
//   - inventory_entities{connection,kind}
//   - credential_verifications_total{provider,result}
//   - power_operations_total{provider,action,outcome}
//   - provider_calls_total{provider,operation}
//   - provider_call_duration_seconds{provider,operation}
//   - provider_errors_total{provider,operation}
//   - errors_by_kind_total{kind}
//
// All Metrics methods are safe on a disabled or nil collector.
//
// # Events
//
// Refresh outcomes, power outcomes and credential verifications are
// published as events so alerting consumers can subscribe:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    notify(e.Message)
//	}, telemetry.FilterByType(telemetry.EventTypeRefreshFailed))
//
// # Tracing
//
// Exporters: "stdout" (development), "otlp" (OTLP/gRPC collector) and
// "none". A refresh cycle produces a refresh.cycle span with one child
// span per phase.
package telemetry
