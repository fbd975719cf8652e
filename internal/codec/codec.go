// Package codec 编解码网关帧。
//
// 所有编解码器都以 JSON 对象作为逻辑模型：编码前先按 json tag 序列化，
// 解码后还原为 Frame{Type, Raw}，上层只和 JSON 打交道。
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	ApplicationJSON     = "application/json"
	ApplicationProtobuf = "application/x-protobuf"
	ApplicationCBOR     = "application/cbor"
)

var (
	ErrFrameTooLarge = errors.New("codec: frame too large")
	ErrNotObject     = errors.New("codec: frame is not an object")
	ErrUnknownCodec  = errors.New("codec: unknown codec")
)

// Frame 解码后的一帧；Raw 是整帧的 JSON 对象
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode 把整帧解到 v
func (f *Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// MessageCodec 消息体数据编码解码器
type MessageCodec interface {
	Name() string
	ContentType() string
	// Binary 是否为二进制格式（websocket 以 binary message 发送）
	Binary() bool
	Encode(w io.Writer, v any) error
	Decode(r io.Reader, maxSize int) (*Frame, error)
}

// New 按名称构造编解码器：json（默认）、protobuf、cbor
func New(name string) (MessageCodec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "protobuf", "proto":
		return ProtobufCodec{}, nil
	case "cbor":
		return NewCBORCodec(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCodec, name)
	}
}

// FrameFromJSON 校验 data 是 JSON 对象并取出 type 字段
func FrameFromJSON(data []byte) (*Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, ErrNotObject
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return &Frame{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// toObject 按 json tag 把 v 转成通用对象
func toObject(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ErrNotObject
	}
	if m == nil {
		return nil, ErrNotObject
	}
	return m, nil
}

func readLimited(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(maxSize)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: > %d bytes", ErrFrameTooLarge, maxSize)
	}
	return data, nil
}
