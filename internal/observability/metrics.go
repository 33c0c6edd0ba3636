// Package observability provides metrics for the runtime client.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all client metrics covering the golden 4 signals:
// - Latency: How long jobs and transport calls take
// - Traffic: Job/poll throughput
// - Errors: Rate of failed jobs and exhausted retries
// - Saturation: Concurrently tracked jobs and open sessions
type Metrics struct {
	meter metric.Meter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Polling and transport metrics (Traffic, Errors)
	PollsTotal            metric.Int64Counter
	TransportRetriesTotal metric.Int64Counter

	// Session metrics (Latency, Saturation)
	SessionDuration metric.Float64Histogram
	SessionsActive  metric.Int64UpDownCounter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("qruntime")
	m := &Metrics{meter: meter}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from submission to terminal state in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs ending Failed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Jobs currently tracked towards a terminal state (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PollsTotal, err = meter.Int64Counter(
		"polls_total",
		metric.WithDescription("Total status poll calls issued"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TransportRetriesTotal, err = meter.Int64Counter(
		"transport_retries_total",
		metric.WithDescription("Total transient transport errors retried"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram(
		"session_duration_seconds",
		metric.WithDescription("Session lifetime from activation to close in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SessionsActive, err = meter.Int64UpDownCounter(
		"sessions_active",
		metric.WithDescription("Currently open sessions (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordJobSubmitted records a job accepted by the service.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, backendID string) {
	attrs := metric.WithAttributes(backendAttr(backendID))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobCompleted records a job reaching a terminal state.
func (m *Metrics) RecordJobCompleted(ctx context.Context, backendID, state string, durationSeconds float64) {
	attrs := metric.WithAttributes(backendAttr(backendID), stateAttr(state))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(backendAttr(backendID)))

	if state == "Failed" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordPoll records one status poll against the service.
func (m *Metrics) RecordPoll(ctx context.Context, backendID string) {
	m.PollsTotal.Add(ctx, 1, metric.WithAttributes(backendAttr(backendID)))
}

// RecordTransportRetry records a transient transport error being retried.
func (m *Metrics) RecordTransportRetry(ctx context.Context, op string) {
	m.TransportRetriesTotal.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
}

// RecordSessionOpened records a session activation.
func (m *Metrics) RecordSessionOpened(ctx context.Context, backendID string) {
	m.SessionsActive.Add(ctx, 1, metric.WithAttributes(backendAttr(backendID)))
}

// RecordSessionClosed records a session close with its active lifetime.
func (m *Metrics) RecordSessionClosed(ctx context.Context, backendID string, durationSeconds float64) {
	m.SessionsActive.Add(ctx, -1, metric.WithAttributes(backendAttr(backendID)))
	m.SessionDuration.Record(ctx, durationSeconds, metric.WithAttributes(backendAttr(backendID)))
}
