package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestCountersRecord(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := NewWithMeter(mp.Meter(scope))
	require.NotNil(t, m)

	m.Transition(ctx, "accept", "ok")
	m.Transition(ctx, "accept", "conflict")
	m.Notification(ctx, "accepted", "enqueued")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					names[md.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), names["fixit.issue.transitions"])
	assert.Equal(t, int64(1), names["fixit.notifications"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition(context.Background(), "accept", "ok")
	m.Match(context.Background(), "ok", 3)
}
