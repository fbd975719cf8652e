package codec

import (
	"encoding/json"
	"io"
)

type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return ApplicationJSON }
func (JSONCodec) Binary() bool        { return false }

func (JSONCodec) Encode(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (JSONCodec) Decode(r io.Reader, maxSize int) (*Frame, error) {
	data, err := readLimited(r, maxSize)
	if err != nil {
		return nil, err
	}
	return FrameFromJSON(data)
}
