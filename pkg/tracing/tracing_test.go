package tracing

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"postmesh/internal/config"
)

func recordingContext(t *testing.T) context.Context {
	t.Helper()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "write post")
	t.Cleanup(func() { span.End() })
	return ctx
}

func TestAMQPHeadersCarryTrace(t *testing.T) {
	ctx := recordingContext(t)
	traceID := TraceID(ctx)
	require.NotEmpty(t, traceID)

	headers := InjectAMQPHeaders(ctx, nil)
	assert.Contains(t, headers, "traceparent")

	got := ExtractAMQPHeaders(context.Background(), headers)
	assert.Equal(t, traceID, TraceID(got))
}

func TestAMQPHeadersAcceptBytes(t *testing.T) {
	ctx := recordingContext(t)
	headers := InjectAMQPHeaders(ctx, amqp.Table{"x-origin": "post-service"})

	raw := amqp.Table{}
	for k, v := range headers {
		if s, ok := v.(string); ok {
			raw[k] = []byte(s)
		}
	}

	assert.Equal(t, TraceID(ctx), TraceID(ExtractAMQPHeaders(context.Background(), raw)))
	assert.Equal(t, ctx, ExtractAMQPHeaders(ctx, nil))
}

func TestKafkaHeadersReplaceExisting(t *testing.T) {
	ctx := recordingContext(t)
	headers := []kafka.Header{
		{Key: "routing_key", Value: []byte("post.created")},
		{Key: "traceparent", Value: []byte("stale")},
	}

	headers = InjectKafkaHeaders(ctx, headers)
	require.Len(t, headers, 2)
	assert.Equal(t, "routing_key", headers[0].Key)

	got := ExtractKafkaHeaders(context.Background(), headers)
	assert.Equal(t, TraceID(ctx), TraceID(got))
}

func TestTraceIDWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
}

func TestInitDisabledStillPropagates(t *testing.T) {
	tp, err := Init(config.TracingConfig{Enabled: false}, "post-service")
	require.NoError(t, err)
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")
}

func TestNewSampler(t *testing.T) {
	assert.Equal(t, sdktrace.NeverSample().Description(), newSampler(config.SamplerConfig{Type: "always_off"}).Description())
	assert.Equal(t, sdktrace.AlwaysSample().Description(), newSampler(config.SamplerConfig{}).Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.5).Description(),
		newSampler(config.SamplerConfig{Type: "traceidratio", Param: 0.5}).Description())
}
