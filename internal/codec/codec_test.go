package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/hongjun500/pulsebus/internal/packet"
)

type heartbeatFrame struct {
	Type    string `json:"type"`
	PulseID string `json:"pulseId"`
}

type relayFrame struct {
	Type   string        `json:"type"`
	Packet packet.Packet `json:"packet"`
}

func allCodecs(t *testing.T) []MessageCodec {
	t.Helper()
	var out []MessageCodec
	for _, name := range []string{"json", "protobuf", "cbor"} {
		c, err := New(name)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		out = append(out, c)
	}
	return out
}

func TestCodecsPreserveFrameShape(t *testing.T) {
	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := c.Encode(&buf, heartbeatFrame{Type: "heartbeat", PulseID: "p-1"}); err != nil {
				t.Fatalf("encode: %v", err)
			}
			f, err := c.Decode(&buf, 1<<20)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if f.Type != "heartbeat" {
				t.Fatalf("type = %q", f.Type)
			}
			var got heartbeatFrame
			if err := f.Decode(&got); err != nil {
				t.Fatalf("frame decode: %v", err)
			}
			if got.PulseID != "p-1" {
				t.Fatalf("pulseId = %q", got.PulseID)
			}
		})
	}
}

func TestCodecsCarryPackets(t *testing.T) {
	p := packet.NewChunk("s1", "alice", "sink", packet.KindStream, "ab", 1, 3).WithMeta("trace", "t1")
	for _, c := range allCodecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := c.Encode(&buf, relayFrame{Type: "packet", Packet: p}); err != nil {
				t.Fatalf("encode: %v", err)
			}
			f, err := c.Decode(&buf, 0)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			var got relayFrame
			if err := f.Decode(&got); err != nil {
				t.Fatalf("frame decode: %v", err)
			}
			if err := got.Packet.Validate(); err != nil {
				t.Fatalf("validate: %v", err)
			}
			if got.Packet.ChunkIndex != 1 || got.Packet.ChunkCount != 3 || got.Packet.Kind != packet.KindStream {
				t.Fatalf("chunk fields lost: %+v", got.Packet)
			}
			if got.Packet.Payload != "ab" || got.Packet.Meta("trace") != "t1" {
				t.Fatalf("payload/metadata lost: %+v", got.Packet)
			}
		})
	}
}

func TestDecodeRejectsOversizeAndNonObjects(t *testing.T) {
	c := JSONCodec{}
	if _, err := c.Decode(strings.NewReader(`{"type":"x","pad":"0123456789"}`), 10); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("want ErrFrameTooLarge, got %v", err)
	}
	if _, err := c.Decode(strings.NewReader(`[1,2]`), 0); !errors.Is(err, ErrNotObject) {
		t.Fatalf("want ErrNotObject, got %v", err)
	}
	if _, err := c.Decode(strings.NewReader(`{"type":`), 0); err == nil {
		t.Fatalf("want syntax error")
	}
	if err := c.Encode(&bytes.Buffer{}, "plain"); err != nil {
		t.Fatalf("json encode of scalar should pass through: %v", err)
	}
	if err := (ProtobufCodec{}).Encode(&bytes.Buffer{}, "plain"); !errors.Is(err, ErrNotObject) {
		t.Fatalf("want ErrNotObject, got %v", err)
	}
}

func TestUntypedFrame(t *testing.T) {
	f, err := FrameFromJSON([]byte(`{"identity":"g","authLevel":"guest"}`))
	if err != nil {
		t.Fatalf("FrameFromJSON: %v", err)
	}
	if f.Type != "" {
		t.Fatalf("type = %q, want empty", f.Type)
	}
}

func TestNewUnknown(t *testing.T) {
	if _, err := New("xml"); !errors.Is(err, ErrUnknownCodec) {
		t.Fatalf("want ErrUnknownCodec, got %v", err)
	}
}
