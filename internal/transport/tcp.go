package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/hongjun500/pulsebus/pkg/logger"
)

// TCPServer implements Transport using length-prefixed frames and MessageCodec on top
type TCPServer struct {
	ln net.Listener
}

func (s *TCPServer) Name() string { return Tcp }

// Addr 实际监听地址（监听 :0 时用于测试）
func (s *TCPServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *TCPServer) Start(ctx context.Context, addr string, gateway Gateway, opt Options) error {
	if addr == "" {
		return ErrInvalidAddress.WithContext(Tcp)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, gateway, opt)
}

// Serve 在已有的 listener 上接受连接，直到 ctx 结束
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener, gateway Gateway, opt Options) error {
	opt = opt.withDefaults()
	s.ln = ln
	logger.L().Sugar().Infow("tcp_listen", "addr", ln.Addr().String(), "codec", opt.Codec.Name())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.L().Sugar().Warnw("tcp_accept_error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go ServeConn(conn, gateway, opt)
	}
}

// ServeConn 处理一条已建立的流式连接，返回时连接已关闭
func ServeConn(conn net.Conn, gateway Gateway, opt Options) {
	opt = opt.withDefaults()
	remote := ""
	if a := conn.RemoteAddr(); a != nil {
		remote = a.String()
	}
	c := newQueuedConn(uuid.NewString(), remote, opt.OutBuffer)
	framer := NewFrameCodec(opt.MaxFrameSize)

	go func() {
		err := c.pump(func(v any) error {
			var buf bytes.Buffer
			if err := opt.Codec.Encode(&buf, v); err != nil {
				// 单帧编码失败不影响连接
				logger.L().Sugar().Warnw("tcp_encode_error", "conn", c.id, "err", err)
				return nil
			}
			if opt.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(opt.WriteTimeout))
			}
			return framer.WriteFrame(conn, buf.Bytes())
		}, nil, nil)
		if err != nil {
			logger.L().Sugar().Warnw("tcp_write_error", "conn", c.id, "err", err)
		}
		_ = c.Close()
		_ = conn.Close()
	}()

	gateway.OnSessionOpen(c)

	for {
		if opt.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(opt.ReadTimeout))
		}
		raw, err := framer.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				gateway.OnDecodeError(c, err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !c.closed() {
				logger.L().Sugar().Warnw("tcp_read_error", "conn", c.id, "err", err)
			} else {
				err = nil
			}
			_ = c.Close()
			gateway.OnSessionClose(c, err)
			return
		}
		f, err := opt.Codec.Decode(bytes.NewReader(raw), opt.MaxFrameSize)
		if err != nil {
			logger.L().Sugar().Debugw("tcp_decode_error", "conn", c.id, "err", err)
			gateway.OnDecodeError(c, err)
			continue
		}
		gateway.OnFrame(c, f)
	}
}
