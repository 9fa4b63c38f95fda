package otel

import (
	"context"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestMQHeaderCarrier_PropagatesTraceContext(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	headers := amqp091.Table{"x-trace-id": "abc", "x-retry": int32(2)}
	prop := propagation.TraceContext{}
	prop.Inject(ctx, MQHeaderCarrier(headers))

	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers["traceparent"])

	out := trace.SpanContextFromContext(prop.Extract(context.Background(), MQHeaderCarrier(headers)))
	assert.Equal(t, traceID, out.TraceID())
	assert.True(t, out.IsRemote())

	assert.Equal(t, "", MQHeaderCarrier(headers).Get("x-retry"))
	assert.ElementsMatch(t, []string{"x-trace-id", "x-retry", "traceparent"}, MQHeaderCarrier(headers).Keys())
}
