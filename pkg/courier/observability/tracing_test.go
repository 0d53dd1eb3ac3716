package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTracingTest(t *testing.T) *tracetest.InMemoryExporter {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))

	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("courier")

	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		tracer = otel.Tracer("courier")
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestSpanManager_Publish(t *testing.T) {
	exporter := setupTracingTest(t)
	m := NewSpanManager()

	_, span := m.StartPublishSpan(context.Background(), "invoice.created")
	m.EndSpanWithError(span, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "courier.publish", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestSpanManager_RetryWithError(t *testing.T) {
	exporter := setupTracingTest(t)
	m := NewSpanManager()

	_, span := m.StartRetrySpan(context.Background(), "ev-1", "invoice.created", 2)
	m.EndSpanWithError(span, errors.New("transport down"))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "courier.retry", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "transport down", spans[0].Status.Description)
}

func TestNoopSpanManager(t *testing.T) {
	m := NoopSpanManager{}
	ctx := context.Background()
	got, span := m.StartPublishSpan(ctx, "x")
	assert.Equal(t, ctx, got)
	assert.NotPanics(t, func() { m.EndSpanWithError(span, errors.New("x")) })
	assert.NotPanics(t, func() { EndSpanWithError(nil, nil) })
}
