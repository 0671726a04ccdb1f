package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func TestStartEnd(t *testing.T) {
	recorder := recordSpans(t)

	ctx, parent := Start(context.Background(), "withdrawal.payout", attribute.String("withdrawal.id", "w-1"))
	_, child := Start(ctx, "withdrawal.broadcast")
	End(child, errors.New("nonce too low"))
	End(parent, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	failed, payout := spans[0], spans[1]
	assert.Equal(t, "withdrawal.broadcast", failed.Name())
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "nonce too low", failed.Status().Description)
	require.Len(t, failed.Events(), 1)
	assert.Equal(t, payout.SpanContext().SpanID(), failed.Parent().SpanID())

	assert.Equal(t, "withdrawal.payout", payout.Name())
	assert.Equal(t, codes.Unset, payout.Status().Code)
	assert.Contains(t, payout.Attributes(), attribute.String("withdrawal.id", "w-1"))
	assert.Equal(t, TracerName, payout.InstrumentationScope().Name)
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: 2, want: "AlwaysOnSampler"},
		{rate: 0, want: "AlwaysOffSampler"},
		{rate: 0.5, want: "TraceIDRatioBased{0.5}"},
	}
	for _, tt := range tests {
		assert.Contains(t, samplerFor(tt.rate).Description(), "ParentBased{root:"+tt.want)
	}
}

func TestConfig_UseTLS(t *testing.T) {
	assert.True(t, Config{Environment: "development"}.UseTLS())
	assert.False(t, Config{Environment: "development", Insecure: true}.UseTLS())
	assert.True(t, Config{Environment: "staging", Insecure: true}.UseTLS())
	assert.True(t, Config{Environment: "production", Insecure: true}.UseTLS())
}

func TestInitTracer_Disabled(t *testing.T) {
	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	shutdown, err := InitTracer(context.Background(), Config{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Start(context.Background(), "deposit.process_job")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
}
