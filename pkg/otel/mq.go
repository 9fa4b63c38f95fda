package otel

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MQPublishSpan 发布消息时创建 span，并把 trace context 写入消息头
func MQPublishSpan(ctx context.Context, exchange, routingKey string, headers amqp091.Table) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "mq.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", exchange),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		),
	)
	GetTextMapPropagator().Inject(ctx, MQHeaderCarrier(headers))
	return ctx, span
}

// MQConsumeSpan 从消息头中提取 trace context 并创建消费 span
func MQConsumeSpan(ctx context.Context, queue, routingKey string, headers amqp091.Table) (context.Context, trace.Span) {
	if headers != nil {
		ctx = GetTextMapPropagator().Extract(ctx, MQHeaderCarrier(headers))
	}
	return Tracer().Start(ctx, "mq.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", queue),
			attribute.String("messaging.rabbitmq.routing_key", routingKey),
		),
	)
}

// MQHeaderCarrier 实现 TextMapCarrier 接口，只读写字符串类型的头
type MQHeaderCarrier amqp091.Table

func (c MQHeaderCarrier) Get(key string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return ""
}

func (c MQHeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c MQHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
