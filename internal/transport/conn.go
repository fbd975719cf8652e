package transport

import (
	"sync"
	"time"
)

// queuedConn 两种传输共用的发送队列：Send 只入队，写协程负责真正写出。
// Close 之后写协程先把已入队的帧写完，再关闭底层连接。
type queuedConn struct {
	id     string
	remote string
	out    chan any
	done   chan struct{}
	once   sync.Once
}

func newQueuedConn(id, remote string, size int) *queuedConn {
	return &queuedConn{
		id:     id,
		remote: remote,
		out:    make(chan any, size),
		done:   make(chan struct{}),
	}
}

func (c *queuedConn) ID() string         { return c.id }
func (c *queuedConn) RemoteAddr() string { return c.remote }

func (c *queuedConn) Send(v any) error {
	select {
	case <-c.done:
		return ErrSessionClosed
	default:
	}
	select {
	case c.out <- v:
		return nil
	case <-c.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull.WithContext(c.id)
	}
}

func (c *queuedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *queuedConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// pump 写协程主循环；write 出错即停止，tick 为 nil 时不触发 onTick。
// 返回后底层连接由调用方关闭。
func (c *queuedConn) pump(write func(v any) error, tick <-chan time.Time, onTick func() error) error {
	for {
		select {
		case v := <-c.out:
			if err := write(v); err != nil {
				return err
			}
		case <-tick:
			if err := onTick(); err != nil {
				return err
			}
		case <-c.done:
			for {
				select {
				case v := <-c.out:
					if err := write(v); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}
