// Package transport 把 TCP / WebSocket 连接接到网关上：
// 负责收发帧、编解码和每连接的写协程，不关心帧的业务含义。
package transport

import (
	"context"

	"github.com/hongjun500/pulsebus/internal/codec"
)

const (
	Tcp       = "tcp"
	WebSocket = "websocket"
)

// Transport 统一的传输层接口
// 负责特定协议(TCP/WebSocket)的网络通信实现
type Transport interface {
	Name() string
	Start(ctx context.Context, addr string, gateway Gateway, opt Options) error
}

// Conn 网关看到的一条连接
type Conn interface {
	ID() string
	RemoteAddr() string
	// Send 非阻塞地把一帧放入发送队列
	Send(v any) error
	// Close 发送完已排队的帧后关闭连接，可重复调用
	Close() error
}

// Gateway 会话事件回调
type Gateway interface {
	OnSessionOpen(c Conn)
	OnFrame(c Conn, f *codec.Frame)
	// OnDecodeError 帧无法解码；连接保持打开
	OnDecodeError(c Conn, err error)
	OnSessionClose(c Conn, err error)
}
