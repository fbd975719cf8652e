package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec 二进制紧凑编码
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() CBORCodec {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return CBORCodec{enc: enc, dec: dec}
}

func (CBORCodec) Name() string        { return "cbor" }
func (CBORCodec) ContentType() string { return ApplicationCBOR }
func (CBORCodec) Binary() bool        { return true }

func (c CBORCodec) Encode(w io.Writer, v any) error {
	obj, err := toObject(v)
	if err != nil {
		return err
	}
	data, err := c.enc.Marshal(obj)
	if err != nil {
		return fmt.Errorf("codec: cbor: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func (c CBORCodec) Decode(r io.Reader, maxSize int) (*Frame, error) {
	data, err := readLimited(r, maxSize)
	if err != nil {
		return nil, err
	}
	var obj any
	if err := c.dec.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("codec: cbor: %w", err)
	}
	if _, ok := obj.(map[string]any); !ok {
		return nil, ErrNotObject
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return FrameFromJSON(raw)
}
