// Package telemetry wires OpenTelemetry metrics for the lifecycle.
//
// Metrics are off by default: Init installs a no-op meter provider unless the
// workspace config sets telemetry.stdout, in which case counters are
// periodically written to stdout.
package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"fixitnow/internal/config"
)

const scope = "fixitnow"

// Init installs the global meter provider and returns its shutdown hook.
func Init(ctx context.Context, cfg config.TelemetryConfig) (func(context.Context) error, error) {
	if !cfg.Stdout {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)),
	))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Metrics holds the lifecycle counters. A nil *Metrics records nothing.
type Metrics struct {
	transitions   metric.Int64Counter
	notifications metric.Int64Counter
	matches       metric.Int64Counter
}

// New builds counters from the global meter provider.
func New() *Metrics {
	return NewWithMeter(otel.Meter(scope))
}

func NewWithMeter(m metric.Meter) *Metrics {
	transitions, err1 := m.Int64Counter("fixit.issue.transitions",
		metric.WithDescription("Issue lifecycle transitions by name and outcome"))
	notifications, err2 := m.Int64Counter("fixit.notifications",
		metric.WithDescription("Notifications enqueued or dropped by kind"))
	matches, err3 := m.Int64Counter("fixit.match.runs",
		metric.WithDescription("Matcher runs by outcome"))
	if errors.Join(err1, err2, err3) != nil {
		return nil
	}
	return &Metrics{transitions: transitions, notifications: notifications, matches: matches}
}

func (m *Metrics) Transition(ctx context.Context, name, outcome string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", name),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) Notification(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) Match(ctx context.Context, outcome string, workers int) {
	if m == nil {
		return
	}
	m.matches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("workers", workers),
	))
}
