package rpc

import "fmt"

// CodecName 与 protoc 生成代码使用的编码名一致（content-type: application/grpc+proto）
const CodecName = "proto"

// Codec 是 grpc encoding.Codec 实现，只处理本包的消息
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("rpc codec: cannot marshal %T", v)
	}
	return m.MarshalWire(), nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("rpc codec: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

func (Codec) Name() string {
	return CodecName
}
