package transport

import (
	"time"

	"github.com/hongjun500/pulsebus/internal/codec"
)

// Options configures transports (shared across TCP/WS where applicable)
type Options struct {
	Codec        codec.MessageCodec // frame codec, defaults to JSON
	OutBuffer    int                // per-connection outgoing queue size
	ReadTimeout  time.Duration      // per-read deadline; 0 to disable
	WriteTimeout time.Duration      // per-write deadline; 0 to disable
	MaxFrameSize int                // bytes, default 1MB
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = codec.JSONCodec{}
	}
	if o.OutBuffer <= 0 {
		o.OutBuffer = 256
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 1 << 20
	}
	return o
}
