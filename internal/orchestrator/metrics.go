package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/suokelife/concord/internal/telemetry"
)

// RegisterMetrics registers observable OTEL gauges for session monitoring.
// Call after the global meter provider has been initialized.
func (o *Orchestrator) RegisterMetrics() {
	meter := telemetry.Meter("concord/orchestrator")

	_, _ = meter.Int64ObservableGauge("concord.orchestrator.active_sessions",
		metric.WithDescription("Number of collaboration sessions not yet in a terminal state"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(len(o.store.ActiveStatuses())))
			return nil
		}),
	)
}
