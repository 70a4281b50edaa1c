// Package metrics wires OpenTelemetry counters and histograms around the
// command loop: how many commands got dispatched, how many driver
// invocations ran (and how long they took), and how many HTTP retries the
// client burned through.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/opsani/servo"

// Metrics holds the instruments the command loop (C5), the operation
// handlers (C4, around each driver run) and the HTTP client (C1) report
// into.
type Metrics struct {
	commandsDispatched metric.Int64Counter
	driverInvocations  metric.Int64Counter
	driverDuration     metric.Float64Histogram
	retries            metric.Int64Counter
}

// New creates the instrument set against provider, whichever
// MeterProvider the caller supplies. cmd/servo passes NewNoopProvider(),
// so its measurements are not exported anywhere; this package never picks
// an exporter itself.
func New(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(instrumentationName, metric.WithInstrumentationVersion("1.0.0"))

	commandsDispatched, err := meter.Int64Counter(
		"servo.commands.dispatched",
		metric.WithDescription("Commands received from WHATS_NEXT and dispatched to a handler"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, fmt.Errorf("commands counter: %w", err)
	}

	driverInvocations, err := meter.Int64Counter(
		"servo.driver.invocations",
		metric.WithDescription("Driver subprocess invocations, by driver kind and terminal status"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("driver invocations counter: %w", err)
	}

	driverDuration, err := meter.Float64Histogram(
		"servo.driver.duration",
		metric.WithDescription("Wall-clock duration of a driver invocation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("driver duration histogram: %w", err)
	}

	retries, err := meter.Int64Counter(
		"servo.client.retries",
		metric.WithDescription("HTTP retry attempts against the optimization service, by event"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("retries counter: %w", err)
	}

	return &Metrics{
		commandsDispatched: commandsDispatched,
		driverInvocations:  driverInvocations,
		driverDuration:     driverDuration,
		retries:            retries,
	}, nil
}

// NewNoopProvider builds a bare SDK meter provider with no configured
// reader, so every instrument call is cheap and side-effect free when no
// exporter has been wired up (e.g. in tests, or a deployment with no
// metrics backend).
func NewNoopProvider() *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider()
}

// RecordCommand counts one dispatched command, tagged by its cmd kind
// (DESCRIBE/MEASURE/ADJUST/SLEEP).
func (m *Metrics) RecordCommand(ctx context.Context, cmd string) {
	if m == nil {
		return
	}
	m.commandsDispatched.Add(ctx, 1, metric.WithAttributes(attrCmd(cmd)))
}

// RecordDriverInvocation counts one completed driver invocation, tagged by
// driver kind (adjust/measure/environment) and its terminal status.
func (m *Metrics) RecordDriverInvocation(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	m.driverInvocations.Add(ctx, 1, metric.WithAttributes(attrKind(kind), attrStatus(status)))
}

// RecordDriverDuration records how long a driver invocation of kind took,
// in seconds.
func (m *Metrics) RecordDriverDuration(ctx context.Context, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.driverDuration.Record(ctx, seconds, metric.WithAttributes(attrKind(kind)))
}

// RecordRetry counts one retried HTTP POST attempt against the service,
// tagged by event name.
func (m *Metrics) RecordRetry(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attrEvent(event)))
}
