package metrics

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecordCommandAndDriverInvocation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := New(provider)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	m.RecordCommand(ctx, "MEASURE")
	m.RecordDriverInvocation(ctx, "measure", "ok")
	m.RecordDriverDuration(ctx, "measure", 1.5)
	m.RecordRetry(ctx, "WHATS_NEXT")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
		}
	}

	for _, want := range []string{
		"servo.commands.dispatched",
		"servo.driver.invocations",
		"servo.driver.duration",
		"servo.client.retries",
	} {
		if !names[want] {
			t.Errorf("missing instrument %q in collected metrics: %+v", want, names)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordCommand(ctx, "DESCRIBE")
	m.RecordDriverInvocation(ctx, "adjust", "failed")
	m.RecordDriverDuration(ctx, "adjust", 0.5)
	m.RecordRetry(ctx, "DESCRIPTION")
}
