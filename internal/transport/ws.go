package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hongjun500/pulsebus/pkg/logger"
)

const (
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

// WebSocketServer implements Transport using WebSocket connections
type WebSocketServer struct {
	Path string // WebSocket endpoint path, defaults to "/ws"
}

func (ws *WebSocketServer) Name() string {
	return WebSocket
}

func (ws *WebSocketServer) Start(ctx context.Context, addr string, gateway Gateway, opt Options) error {
	if addr == "" {
		return ErrInvalidAddress.WithContext(WebSocket)
	}
	if ws.Path == "" {
		ws.Path = "/ws"
	}
	mux := http.NewServeMux()
	mux.Handle(ws.Path, ws.Handler(gateway, opt))

	logger.L().Sugar().Infow("websocket_listen", "addr", addr, "path", ws.Path)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler 返回升级并服务 websocket 连接的 http.Handler
func (ws *WebSocketServer) Handler(gateway Gateway, opt Options) http.Handler {
	opt = opt.withDefaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade 已经写过错误响应
			logger.L().Sugar().Warnw("websocket_upgrade_error", "remote", r.RemoteAddr, "err", err)
			return
		}
		ws.serve(conn, gateway, opt)
	})
}

func (ws *WebSocketServer) serve(conn *websocket.Conn, gateway Gateway, opt Options) {
	c := newQueuedConn(uuid.NewString(), conn.RemoteAddr().String(), opt.OutBuffer)
	msgType := websocket.TextMessage
	if opt.Codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	// Writer goroutine: 编码后写出，并定期 ping
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		err := c.pump(func(v any) error {
			var buf bytes.Buffer
			if err := opt.Codec.Encode(&buf, v); err != nil {
				logger.L().Sugar().Warnw("ws_encode_error", "conn", c.id, "err", err)
				return nil
			}
			if opt.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(opt.WriteTimeout))
			}
			return conn.WriteMessage(msgType, buf.Bytes())
		}, ticker.C, func() error {
			return conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		})
		if err != nil {
			logger.L().Sugar().Warnw("ws_write_error", "conn", c.id, "err", err)
		} else {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		}
		_ = c.Close()
		_ = conn.Close()
	}()

	conn.SetReadLimit(int64(opt.MaxFrameSize))
	readWait := pongWait
	if opt.ReadTimeout > 0 {
		readWait = opt.ReadTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	gateway.OnSessionOpen(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, net.ErrClosed) || c.closed() {
				err = nil
			} else {
				logger.L().Sugar().Warnw("ws_read_error", "conn", c.id, "err", err)
			}
			_ = c.Close()
			gateway.OnSessionClose(c, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		f, err := opt.Codec.Decode(bytes.NewReader(data), opt.MaxFrameSize)
		if err != nil {
			gateway.OnDecodeError(c, err)
			continue
		}
		gateway.OnFrame(c, f)
	}
}
