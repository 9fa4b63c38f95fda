package mq

// 业务后端发布的触发事件
const (
	RoutingKeyReservationBooked    = "reservation.booked"
	RoutingKeyReservationCancelled = "reservation.cancelled"
	RoutingKeyEventCancelled       = "event.cancelled"
	RoutingKeyEventUpdated         = "event.updated"
)

// ReservationBookedPayload 用户预订成功
type ReservationBookedPayload struct {
	ReservationID int64  `json:"reservation_id"`
	TraceID       string `json:"trace_id,omitempty"`
}

// ReservationCancelledPayload 单个预订对应的活动被取消
type ReservationCancelledPayload struct {
	ReservationID int64  `json:"reservation_id"`
	TraceID       string `json:"trace_id,omitempty"`
}

// EventCancelledPayload 活动取消，通知所有已确认的预订
type EventCancelledPayload struct {
	EventID int64  `json:"event_id"`
	TraceID string `json:"trace_id,omitempty"`
}

// EventUpdatedPayload 活动信息变更
type EventUpdatedPayload struct {
	EventID int64    `json:"event_id"`
	Changes []string `json:"changes,omitempty"` // e.g. ["start_time", "location"]
	TraceID string   `json:"trace_id,omitempty"`
}
