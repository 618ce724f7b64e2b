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
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attrs(span tracesdk.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "ipywebrtc", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabledIsNoop(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceBusMessage(t *testing.T) {
	recorder := recordSpans(t)

	_, span := TraceBusMessage(context.Background(), "send", "state", "e1")
	span.End()
	_, span = TraceBusMessage(context.Background(), "receive", "command", "e2")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "bus.send", ended[0].Name())
	assert.Equal(t, trace.SpanKindProducer, ended[0].SpanKind())
	assert.Equal(t, "e1", attrs(ended[0])[EntityIDKey].AsString())
	assert.Equal(t, trace.SpanKindConsumer, ended[1].SpanKind())
	assert.Equal(t, "command", attrs(ended[1])["bus.message_type"].AsString())
}

func TestTraceHTTPRequestAndRedis(t *testing.T) {
	recorder := recordSpans(t)

	_, span := TraceHTTPRequest(context.Background(), "GET", "/api/v1/entities/:id")
	span.End()
	_, span = TraceRedisOperation(context.Background(), "publish", "ipywebrtc:default:to-frontend")
	span.End()
	_, span = TraceWebSocketMessage(context.Background(), "binary", "notebook")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "GET /api/v1/entities/:id", ended[0].Name())
	assert.Equal(t, "ipywebrtc:default:to-frontend", attrs(ended[1])["redis.channel"].AsString())
	assert.Equal(t, "notebook", attrs(ended[2])[ClientIDKey].AsString())
}

func TestRecordError(t *testing.T) {
	recorder := recordSpans(t)

	ctx, span := StartSpan(context.Background(), "op")
	RecordError(ctx, errors.New("boom"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)

	// No span in context: nothing to record on.
	RecordError(context.Background(), errors.New("ignored"))
}
