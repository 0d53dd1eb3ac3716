// Package observability provides structured logging helpers, metrics, and
// tracing for courier components.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// Component returns logger tagged with a component name.
// A nil logger falls back to slog.Default().
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", name))
}

// LogHandlerFailure logs a subscriber that failed while handling an event.
func LogHandlerFailure(logger *slog.Logger, eventName, subscriptionID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("event handler failed",
		slog.String("event", eventName),
		slog.String("subscription_id", subscriptionID),
		slog.String("error", err.Error()),
	)
}

// LogPublish logs a completed publish.
func LogPublish(logger *slog.Logger, eventName string, handlers, failures int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event", eventName),
		slog.Int("handlers", handlers),
		slog.Int("failures", failures),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogSendDenied logs an outbound send refused by the rate limiter.
func LogSendDenied(logger *slog.Logger, identity, reason string, retryAfterSecs int) {
	if logger == nil {
		return
	}
	logger.Warn("send denied by rate limiter",
		slog.String("identity", identity),
		slog.String("reason", reason),
		slog.Int("retry_after_s", retryAfterSecs),
	)
}

// LogSendFailed logs an outbound send the transport rejected.
func LogSendFailed(logger *slog.Logger, identity string, err error) {
	if logger == nil {
		return
	}
	logger.Error("send failed",
		slog.String("identity", identity),
		slog.String("error", err.Error()),
	)
}

// LogRetryOutcome logs the result of one retry attempt.
func LogRetryOutcome(logger *slog.Logger, eventID, eventName string, attempt int, success, terminal bool) {
	if logger == nil {
		return
	}
	switch {
	case success:
		logger.Info("event retry succeeded",
			slog.String("event_id", eventID),
			slog.String("event", eventName),
			slog.Int("attempt", attempt),
		)
	case terminal:
		logger.Error("event retry exhausted",
			slog.String("event_id", eventID),
			slog.String("event", eventName),
			slog.Int("attempt", attempt),
		)
	default:
		logger.Warn("event retry failed",
			slog.String("event_id", eventID),
			slog.String("event", eventName),
			slog.Int("attempt", attempt),
		)
	}
}

// LogConnectionState logs a session state change.
func LogConnectionState(logger *slog.Logger, from, to, reason string) {
	if logger == nil {
		return
	}
	logger.Info("connection state changed",
		slog.String("from", from),
		slog.String("to", to),
		slog.String("reason", reason),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
