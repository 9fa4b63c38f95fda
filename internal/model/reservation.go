package model

import "time"

// Reservation 业务后端的预订记录（只读视图，连同活动名称和开始时间）
type Reservation struct {
	ID         int64
	UserID     int64
	EventID    int64
	EventName  string
	EventStart time.Time
	Status     string
}
