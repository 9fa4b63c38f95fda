package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewNotification_Validate(t *testing.T) {
	valid := NewNotification{RecipientID: 42, Kind: KindBooking, Title: "Booking: X", Message: "Booked for now"}

	tests := []struct {
		name   string
		modify func(n *NewNotification)
		ok     bool
	}{
		{"valid", func(n *NewNotification) {}, true},
		{"valid with related", func(n *NewNotification) { n.Related = &RelatedRef{EntityKind: "event", EntityID: 3} }, true},
		{"zero recipient", func(n *NewNotification) { n.RecipientID = 0 }, false},
		{"unknown kind", func(n *NewNotification) { n.Kind = "sms" }, false},
		{"empty title", func(n *NewNotification) { n.Title = "" }, false},
		{"long title", func(n *NewNotification) { n.Title = strings.Repeat("é", 256) }, false},
		{"empty message", func(n *NewNotification) { n.Message = "" }, false},
		{"related without id", func(n *NewNotification) { n.Related = &RelatedRef{EntityKind: "event"} }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := valid
			tt.modify(&n)
			err := n.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidNotification)
			}
		})
	}
}

func TestNotification_Claimable(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.True(t, (&Notification{Status: StatusPending}).Claimable(now))
	assert.True(t, (&Notification{Status: StatusPending, ClaimedUntil: &past}).Claimable(now))
	assert.False(t, (&Notification{Status: StatusPending, ClaimedUntil: &future}).Claimable(now))
	assert.False(t, (&Notification{Status: StatusSent}).Claimable(now))
}

func TestStatusAndOutcome(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.True(t, StatusSent.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.Equal(t, StatusSent, OutcomeSent.Status())
	assert.Equal(t, StatusFailed, OutcomeFailed.Status())
	assert.True(t, KindEventUpdate.Valid())
}
