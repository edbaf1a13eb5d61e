// Package telemetry carries the ambient OpenTelemetry wiring the original
// controller project ships (internal/pkg/metrics/metrics.go's New(endpoint)
// shutdown-func pattern), adapted to this process's own domain: fetch
// attempts, signature verifications, and policy evaluations rather than
// the controller's reconciled-policy-count gauge. Metrics/tracing
// exporters themselves are out of scope; what's carried is the hook so a
// deployment can point PolicyServer at a collector without a rebuild.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/kubewarden/policy-server"

// Shutdown flushes and stops whatever meter provider New installed.
type Shutdown func(context.Context) error

// New installs a global MeterProvider and returns its Shutdown. An empty
// endpoint installs a no-op provider: every Recorder built afterwards is
// then a safe, free no-op, so the caller never needs to branch on whether
// telemetry is actually configured.
func New(ctx context.Context, endpoint string) (Shutdown, error) {
	if endpoint == "" {
		otel.SetMeterProvider(noop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot start metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(2*time.Second))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// Recorder records the handful of counters the worker pool, fetcher, and
// verifier emit. Built from whatever meter provider New installed, so it
// is a genuine no-op when telemetry was never configured.
type Recorder struct {
	evaluations  metric.Int64Counter
	fetches      metric.Int64Counter
	verifications metric.Int64Counter
}

// NewRecorder instantiates the counters against the current global
// MeterProvider. Call after New so the provider is already installed.
func NewRecorder() (*Recorder, error) {
	meter := otel.Meter(meterName)

	evaluations, err := meter.Int64Counter("policy_server_policy_evaluations_total",
		metric.WithDescription("How many policy evaluations this process has run"))
	if err != nil {
		return nil, fmt.Errorf("registering evaluations counter: %w", err)
	}
	fetches, err := meter.Int64Counter("policy_server_policy_fetches_total",
		metric.WithDescription("How many policy artifact fetches this process has run"))
	if err != nil {
		return nil, fmt.Errorf("registering fetches counter: %w", err)
	}
	verifications, err := meter.Int64Counter("policy_server_policy_verifications_total",
		metric.WithDescription("How many Sigstore verifications this process has run"))
	if err != nil {
		return nil, fmt.Errorf("registering verifications counter: %w", err)
	}

	return &Recorder{evaluations: evaluations, fetches: fetches, verifications: verifications}, nil
}

// RecordEvaluation records one dispatch through internal/evalenv.
func (r *Recorder) RecordEvaluation(ctx context.Context, policyID string, allowed bool, err error) {
	if r == nil {
		return
	}
	r.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("policy_id", policyID),
		attribute.Bool("allowed", allowed),
		attribute.Bool("error", err != nil),
	))
}

// RecordFetch records one internal/fetcher.Fetch call.
func (r *Recorder) RecordFetch(ctx context.Context, sourceKind string, err error) {
	if r == nil {
		return
	}
	r.fetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source_kind", sourceKind),
		attribute.Bool("error", err != nil),
	))
}

// RecordVerification records one internal/verifier.Verify call.
func (r *Recorder) RecordVerification(ctx context.Context, err error) {
	if r == nil {
		return
	}
	r.verifications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", err != nil)))
}
