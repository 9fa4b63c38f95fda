// Package rpc 定义投递服务的线上契约，与 notifications.proto 保持字段编号一致
package rpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// NotificationRequest 对应 notifications.NotificationRequest
type NotificationRequest struct {
	RecipientID       int64
	NotificationType  string
	Title             string
	Message           string
	RelatedObjectType string
	RelatedObjectID   int64
}

// NotificationResponse 对应 notifications.NotificationResponse
type NotificationResponse struct {
	Success        bool
	Message        string
	NotificationID string
}

// Message 是可按 proto3 线格式编解码的消息
type Message interface {
	MarshalWire() []byte
	UnmarshalWire(b []byte) error
}

func (r *NotificationRequest) MarshalWire() []byte {
	var b []byte
	b = appendInt64(b, 1, r.RecipientID)
	b = appendString(b, 2, r.NotificationType)
	b = appendString(b, 3, r.Title)
	b = appendString(b, 4, r.Message)
	b = appendString(b, 5, r.RelatedObjectType)
	b = appendInt64(b, 6, r.RelatedObjectID)
	return b
}

func (r *NotificationRequest) UnmarshalWire(b []byte) error {
	*r = NotificationRequest{}
	return decodeFields(b, func(d *fieldDecoder) error {
		switch d.num {
		case 1:
			return d.readInt64(&r.RecipientID)
		case 2:
			return d.readString(&r.NotificationType)
		case 3:
			return d.readString(&r.Title)
		case 4:
			return d.readString(&r.Message)
		case 5:
			return d.readString(&r.RelatedObjectType)
		case 6:
			return d.readInt64(&r.RelatedObjectID)
		}
		return d.skip()
	})
}

func (r *NotificationResponse) MarshalWire() []byte {
	var b []byte
	if r.Success {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = appendString(b, 2, r.Message)
	b = appendString(b, 3, r.NotificationID)
	return b
}

func (r *NotificationResponse) UnmarshalWire(b []byte) error {
	*r = NotificationResponse{}
	return decodeFields(b, func(d *fieldDecoder) error {
		switch d.num {
		case 1:
			return d.readBool(&r.Success)
		case 2:
			return d.readString(&r.Message)
		case 3:
			return d.readString(&r.NotificationID)
		}
		return d.skip()
	})
}

// proto3：零值字段不编码
func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

type fieldDecoder struct {
	num  protowire.Number
	typ  protowire.Type
	rest []byte
}

func decodeFields(b []byte, field func(d *fieldDecoder) error) error {
	d := &fieldDecoder{rest: b}
	for len(d.rest) > 0 {
		num, typ, n := protowire.ConsumeTag(d.rest)
		if n < 0 {
			return fmt.Errorf("rpc: bad tag: %w", protowire.ParseError(n))
		}
		d.num, d.typ, d.rest = num, typ, d.rest[n:]
		if err := field(d); err != nil {
			return err
		}
	}
	return nil
}

func (d *fieldDecoder) readInt64(out *int64) error {
	if d.typ != protowire.VarintType {
		return d.skip()
	}
	v, n := protowire.ConsumeVarint(d.rest)
	if n < 0 {
		return fmt.Errorf("rpc: field %d: %w", d.num, protowire.ParseError(n))
	}
	*out = int64(v)
	d.rest = d.rest[n:]
	return nil
}

func (d *fieldDecoder) readBool(out *bool) error {
	if d.typ != protowire.VarintType {
		return d.skip()
	}
	v, n := protowire.ConsumeVarint(d.rest)
	if n < 0 {
		return fmt.Errorf("rpc: field %d: %w", d.num, protowire.ParseError(n))
	}
	*out = protowire.DecodeBool(v)
	d.rest = d.rest[n:]
	return nil
}

func (d *fieldDecoder) readString(out *string) error {
	if d.typ != protowire.BytesType {
		return d.skip()
	}
	v, n := protowire.ConsumeString(d.rest)
	if n < 0 {
		return fmt.Errorf("rpc: field %d: %w", d.num, protowire.ParseError(n))
	}
	*out = v
	d.rest = d.rest[n:]
	return nil
}

// skip 跳过未知字段或类型不匹配的字段
func (d *fieldDecoder) skip() error {
	n := protowire.ConsumeFieldValue(d.num, d.typ, d.rest)
	if n < 0 {
		return fmt.Errorf("rpc: field %d: %w", d.num, protowire.ParseError(n))
	}
	d.rest = d.rest[n:]
	return nil
}
