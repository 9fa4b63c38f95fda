package otel

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
)

// RPCClientSpan 在发起 RPC 调用时创建 span，并把 trace context 注入 outgoing metadata
func RPCClientSpan(ctx context.Context, service, method string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, service+"/"+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.RPCSystemGRPC,
			semconv.RPCServiceKey.String(service),
			semconv.RPCMethodKey.String(method),
		),
	)

	md, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		md = metadata.MD{}
	} else {
		md = md.Copy()
	}
	GetTextMapPropagator().Inject(ctx, MetadataCarrier(md))
	return metadata.NewOutgoingContext(ctx, md), span
}

// RPCServerSpan 从 incoming metadata 中提取 trace context 并创建服务端 span
func RPCServerSpan(ctx context.Context, service, method string) (context.Context, trace.Span) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = GetTextMapPropagator().Extract(ctx, MetadataCarrier(md))
	}
	return Tracer().Start(ctx, service+"/"+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.RPCSystemGRPC,
			semconv.RPCServiceKey.String(service),
			semconv.RPCMethodKey.String(method),
		),
	)
}

// EndSpan 根据 err 设置状态并结束 span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// MetadataCarrier 实现 TextMapCarrier 接口，用于 gRPC metadata
type MetadataCarrier metadata.MD

func (c MetadataCarrier) Get(key string) string {
	vals := metadata.MD(c).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (c MetadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c MetadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
