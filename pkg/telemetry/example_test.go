package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/cloudmgr/pkg/telemetry"
)

// Example_structuredLogging demonstrates the connection and resource field helpers.
func Example_structuredLogging() {
	logger := telemetry.NewLoggerWithWriter(os.Stdout, telemetry.LoggingConfig{Level: "info"})

	logger.NewComponentLogger("power").
		WithConnection("c-1", "hetzner-prod").
		WithResource("r-1", "web-1", "42").
		Info("stop issued")

	// Output can vary, so we don't specify output for this example
}

// Example_eventSubscription demonstrates synchronous event delivery.
func Example_eventSubscription() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{
		Enabled:    true,
		BufferSize: 10,
	})
	defer events.Shutdown(context.Background())

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.ConnectionID)
	}, telemetry.FilterByLevel(telemetry.EventLevelError))

	_ = events.PublishRefreshCompleted("c-1", 1, 0, 0, 0)
	_ = events.PublishRefreshFailed("c-1", "fetching", "Bad Request")

	// Output:
	// refresh.failed c-1
}
