package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/comigor/charchat-go/internal/session"

// Instruments are created against the global providers; they become live once
// telemetry.Init installs real ones and are no-ops otherwise.
var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)

	turnCounter, _ = meter.Int64Counter("charchat.session.turns",
		metric.WithDescription("User turns by outcome"))
	errorCounter, _ = meter.Int64Counter("charchat.session.errors",
		metric.WithDescription("Error events sent to clients by kind"))
	completionLatency, _ = meter.Float64Histogram("charchat.completion.duration",
		metric.WithDescription("Completion call latency"),
		metric.WithUnit("s"))
)

func recordTurn(ctx context.Context, outcome string) {
	turnCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordError(ctx context.Context, kind string) {
	errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
