package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Refusal reasons for outbound sends.
const (
	RefusedRateLimited  = "rate_limited"
	RefusedDisconnected = "disconnected"
	RefusedTransport    = "transport_error"
)

// MetricsRecorder records courier metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records one publish with its fan-out size and failures.
	RecordPublish(ctx context.Context, eventName string, handlers, failures int, duration time.Duration)

	// RecordRetry records one retry attempt of a logged event.
	RecordRetry(ctx context.Context, eventName string, success bool)

	// RecordSend records a successful outbound send.
	RecordSend(ctx context.Context, kind string)

	// RecordSendRefused records an outbound send that did not happen.
	RecordSendRefused(ctx context.Context, kind, reason string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	eventsPublished metric.Int64Counter
	handlerFailures metric.Int64Counter
	publishLatency  metric.Float64Histogram
	retries         metric.Int64Counter
	messagesSent    metric.Int64Counter
	messagesRefused metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("courier")

	eventsPublished, err := meter.Int64Counter("courier.events.published",
		metric.WithDescription("Number of events published on the bus"),
	)
	if err != nil {
		return nil, err
	}

	handlerFailures, err := meter.Int64Counter("courier.events.handler_failures",
		metric.WithDescription("Number of subscriber handler failures"),
	)
	if err != nil {
		return nil, err
	}

	publishLatency, err := meter.Float64Histogram("courier.publish.latency_ms",
		metric.WithDescription("Publish latency including all handlers in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter("courier.events.retries",
		metric.WithDescription("Number of event retry attempts"),
	)
	if err != nil {
		return nil, err
	}

	messagesSent, err := meter.Int64Counter("courier.messages.sent",
		metric.WithDescription("Number of outbound channel messages sent"),
	)
	if err != nil {
		return nil, err
	}

	messagesRefused, err := meter.Int64Counter("courier.messages.denied",
		metric.WithDescription("Number of outbound channel messages not sent"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		eventsPublished: eventsPublished,
		handlerFailures: handlerFailures,
		publishLatency:  publishLatency,
		retries:         retries,
		messagesSent:    messagesSent,
		messagesRefused: messagesRefused,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records a publish.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventName string, handlers, failures int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("event", eventName))

	m.eventsPublished.Add(ctx, 1, attrs)
	m.publishLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if failures > 0 {
		m.handlerFailures.Add(ctx, int64(failures), attrs)
	}
}

// RecordRetry records a retry attempt.
func (m *otelMetrics) RecordRetry(ctx context.Context, eventName string, success bool) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", eventName),
		attribute.Bool("success", success),
	))
}

// RecordSend records a sent message.
func (m *otelMetrics) RecordSend(ctx context.Context, kind string) {
	m.messagesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSendRefused records a message that was not sent.
func (m *otelMetrics) RecordSendRefused(ctx context.Context, kind, reason string) {
	m.messagesRefused.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
	))
}
