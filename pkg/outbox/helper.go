package outbox

import (
	"context"
	"encoding/json"

	"eventnotify/pkg/trace"

	"github.com/jackc/pgx/v5"
)

// InsertEventInTx 序列化 payload 并在事务中写入 outbox
func InsertEventInTx(
	ctx context.Context,
	tx pgx.Tx,
	repo *Repository,
	aggregateType string,
	aggregateID *int64,
	routingKey string,
	payload any,
) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return repo.InsertEvent(ctx, tx, &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	})
}

// traceFromPayload 从 payload 的 trace_id 字段恢复 trace 上下文
func traceFromPayload(ctx context.Context, payload json.RawMessage) context.Context {
	var p struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil || p.TraceID == "" {
		return ctx
	}
	return trace.WithContext(ctx, p.TraceID)
}
