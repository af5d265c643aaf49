package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tyrowin/orbit/internal/config"
)

func restoreGlobals(t *testing.T) {
	t.Helper()
	prop, tp := otel.GetTextMapPropagator(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetTextMapPropagator(prop)
		otel.SetTracerProvider(tp)
	})
}

func TestInitInstallsTraceContextPropagator(t *testing.T) {
	restoreGlobals(t)
	shutdown, err := Init(context.Background(), config.TracingConfig{}, nil)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), sc), carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))

	got := trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(context.Background(), carrier))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
}

func TestInitWithExporterRecordsSpans(t *testing.T) {
	restoreGlobals(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4317")
	shutdown, err := Init(context.Background(), config.TracingConfig{Enabled: true, ServiceName: "orbit-test"}, nil)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid(), "the sdk provider issues real span contexts")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
