package model

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	ErrNotFound            = errors.New("notification not found")
	ErrAlreadyProcessed    = errors.New("notification already processed")
	ErrInFlight            = errors.New("notification delivery already in flight")
	ErrInvalidNotification = errors.New("invalid notification")
)

// Kind 通知类型
type Kind string

const (
	KindBooking      Kind = "booking"
	KindCancellation Kind = "cancellation"
	KindReminder     Kind = "reminder"
	KindEventUpdate  Kind = "event_update"
)

func (k Kind) Valid() bool {
	switch k {
	case KindBooking, KindCancellation, KindReminder, KindEventUpdate:
		return true
	}
	return false
}

// Status 投递状态：pending -> sent | failed，终态不可再变
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// RelatedRef 指向触发通知的业务实体，仅作查询键，从不解引用
type RelatedRef struct {
	EntityKind string
	EntityID   int64
}

type Notification struct {
	ID           int64
	RecipientID  int64
	Kind         Kind
	Title        string
	Message      string
	Status       Status
	IsRead       bool
	Related      *RelatedRef
	ClaimedUntil *time.Time
	CreatedAt    time.Time
	SentAt       *time.Time
}

// Claimable 记录处于 pending 且没有未过期的投递租约
func (n *Notification) Claimable(now time.Time) bool {
	if n.Status != StatusPending {
		return false
	}
	return n.ClaimedUntil == nil || n.ClaimedUntil.Before(now)
}

const maxTitleLen = 255

// NewNotification 创建通知所需的参数
type NewNotification struct {
	RecipientID int64
	Kind        Kind
	Title       string
	Message     string
	Related     *RelatedRef
}

func (n NewNotification) Validate() error {
	switch {
	case n.RecipientID <= 0:
		return fmt.Errorf("%w: recipient_id must be positive", ErrInvalidNotification)
	case !n.Kind.Valid():
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidNotification, n.Kind)
	case n.Title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidNotification)
	case utf8.RuneCountInString(n.Title) > maxTitleLen:
		return fmt.Errorf("%w: title longer than %d characters", ErrInvalidNotification, maxTitleLen)
	case n.Message == "":
		return fmt.Errorf("%w: message is required", ErrInvalidNotification)
	case n.Related != nil && (n.Related.EntityKind == "" || n.Related.EntityID <= 0):
		return fmt.Errorf("%w: related reference needs kind and id", ErrInvalidNotification)
	}
	return nil
}

// Outcome 远程投递结果
type Outcome string

const (
	OutcomeSent   Outcome = "sent"
	OutcomeFailed Outcome = "failed"
)

func (o Outcome) Status() Status {
	if o == OutcomeSent {
		return StatusSent
	}
	return StatusFailed
}

// Applied 是 Transition 实际生效的结果
type Applied string

const (
	AppliedSent             Applied = "sent"
	AppliedFailed           Applied = "failed"
	AppliedAlreadyProcessed Applied = "already_processed"
)
