package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestNotificationRequest_WireBytes(t *testing.T) {
	req := &NotificationRequest{RecipientID: 42, NotificationType: "booking"}

	want := []byte{0x08, 0x2a, 0x12, 0x07}
	want = append(want, "booking"...)
	assert.Equal(t, want, req.MarshalWire())
}

func TestNotificationRequest_RoundTrip(t *testing.T) {
	in := &NotificationRequest{
		RecipientID:       42,
		NotificationType:  "reminder",
		Title:             "Reminder: Go meetup",
		Message:           "Your event Go meetup is starting in about 1 hour.",
		RelatedObjectType: "event",
		RelatedObjectID:   7,
	}

	var out NotificationRequest
	require.NoError(t, out.UnmarshalWire(in.MarshalWire()))
	assert.Equal(t, *in, out)
}

func TestNotificationResponse_SkipsUnknownFields(t *testing.T) {
	b := (&NotificationResponse{Success: true, Message: "Notification sent successfully"}).MarshalWire()
	b = protowire.AppendTag(b, 15, protowire.BytesType)
	b = protowire.AppendString(b, "future field")
	b = protowire.AppendTag(b, 16, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 99)

	var out NotificationResponse
	require.NoError(t, out.UnmarshalWire(b))
	assert.True(t, out.Success)
	assert.Equal(t, "Notification sent successfully", out.Message)
	assert.Empty(t, out.NotificationID)
}

func TestNotificationResponse_EmptyIsFalse(t *testing.T) {
	resp := &NotificationResponse{}
	assert.Empty(t, resp.MarshalWire())

	var out NotificationResponse
	require.NoError(t, out.UnmarshalWire(nil))
	assert.False(t, out.Success)
}

func TestUnmarshal_Truncated(t *testing.T) {
	b := (&NotificationRequest{Title: "Booking: X"}).MarshalWire()

	var out NotificationRequest
	assert.Error(t, out.UnmarshalWire(b[:len(b)-3]))
}

func TestCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, "proto", c.Name())

	data, err := c.Marshal(&NotificationRequest{Title: "t"})
	require.NoError(t, err)

	var req NotificationRequest
	require.NoError(t, c.Unmarshal(data, &req))
	assert.Equal(t, "t", req.Title)

	_, err = c.Marshal("not a message")
	assert.Error(t, err)
}
