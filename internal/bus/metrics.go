package bus

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/suokelife/concord/internal/telemetry"
)

// RegisterMetrics registers observable OTEL gauges for bus health monitoring.
// Call after the global meter provider has been initialized.
func (b *Bus) RegisterMetrics() {
	meter := telemetry.Meter("concord/bus")

	_, _ = meter.Int64ObservableGauge("concord.bus.published_total",
		metric.WithDescription("Total events dispatched to subscribers"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Published())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("concord.bus.dropped_total",
		metric.WithDescription("Total events dropped because a subscriber buffer was full"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Dropped())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("concord.bus.panics_total",
		metric.WithDescription("Total subscriber panics recovered during delivery"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(b.Panics())
			return nil
		}),
	)
}
