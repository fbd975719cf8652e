package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// FrameCodec 数据包的编解码器，使用 4 字节大端长度前缀帧格式
type FrameCodec struct {
	readMu  sync.Mutex // 读锁
	writeMu sync.Mutex // 写锁
	maxSize int
	bufPool *sync.Pool // 用于复用缓冲区
}

func NewFrameCodec(maxSize int) *FrameCodec {
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	return &FrameCodec{
		maxSize: maxSize,
		bufPool: &sync.Pool{
			New: func() any {
				// 使用 64KB 缓冲区，适合大多数场景
				return make([]byte, 64*1024)
			},
		},
	}
}

// WriteFrame 写入一个帧
func (c *FrameCodec) WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > c.maxSize {
		return ErrFrameTooLarge.WithContext(fmt.Sprintf("write %d > %d", len(payload), c.maxSize))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// 长度与内容一次写出
	_, err := w.Write(buf)
	return err
}

// ReadFrame 读取一个帧。超长帧的内容会被读掉丢弃并返回 ErrFrameTooLarge，
// 流仍然对齐，调用方可以继续读下一帧。
func (c *FrameCodec) ReadFrame(r io.Reader) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint32(header[:]))
	if length > c.maxSize {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLarge.WithContext(fmt.Sprintf("read %d > %d", length, c.maxSize))
	}

	// 使用 bufPool 获取一个缓冲区，避免频繁分配
	buf := c.bufPool.Get().([]byte)
	if cap(buf) < length {
		buf = make([]byte, length)
	} else {
		buf = buf[:length]
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		c.bufPool.Put(buf[:cap(buf)])
		return nil, err
	}
	// 拷贝一份交给调用者持有
	data := make([]byte, length)
	copy(data, buf)
	c.bufPool.Put(buf[:cap(buf)])
	return data, nil
}
