package codec

import (
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtobufCodec 以 google.protobuf.Struct 承载帧。
// Struct 的数字都是 double，超过 2^53 的整数会丢精度。
type ProtobufCodec struct{}

func (ProtobufCodec) Name() string        { return "protobuf" }
func (ProtobufCodec) ContentType() string { return ApplicationProtobuf }
func (ProtobufCodec) Binary() bool        { return true }

func (ProtobufCodec) Encode(w io.Writer, v any) error {
	obj, err := toObject(v)
	if err != nil {
		return err
	}
	st, err := structpb.NewStruct(obj)
	if err != nil {
		return fmt.Errorf("codec: protobuf struct: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (ProtobufCodec) Decode(r io.Reader, maxSize int) (*Frame, error) {
	data, err := readLimited(r, maxSize)
	if err != nil {
		return nil, err
	}
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("codec: protobuf: %w", err)
	}
	raw, err := json.Marshal(st.AsMap())
	if err != nil {
		return nil, err
	}
	return FrameFromJSON(raw)
}
