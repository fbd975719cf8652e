// Package packet 定义总线上传递的最小通信单元。
//
// Packet 是值类型：构造后不再修改，所有 With* 方法都返回副本，
// 流重组会生成一个 ChunkCount == 1 的新包。
package packet

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

var (
	ErrUnknownKind      = errors.New("packet: unknown kind")
	ErrUnknownStatus    = errors.New("packet: unknown status")
	ErrEmptyDestination = errors.New("packet: empty destination")
	ErrMissingID        = errors.New("packet: missing id")
	ErrChunkRange       = errors.New("packet: chunk index out of range")
	ErrUnsplittable     = errors.New("packet: payload cannot be split")
)

type Packet struct {
	ID         string         `json:"id"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Kind       Kind           `json:"kind"`
	Payload    any            `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ChunkIndex int            `json:"chunk_index"`
	ChunkCount int            `json:"chunk_count"`
	IsFinal    bool           `json:"is_final"`
	Status     Status         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// New 构造一个完整（不分片）的包
func New(id, from, to string, kind Kind, payload any) Packet {
	return Packet{
		ID:         id,
		From:       from,
		To:         to,
		Kind:       kind,
		Payload:    payload,
		CreatedAt:  time.Now(),
		ChunkIndex: 0,
		ChunkCount: 1,
		IsFinal:    true,
		Status:     StatusPending,
	}
}

// NewChunk 构造流中的一个分片
func NewChunk(id, from, to string, kind Kind, payload any, index, count int) Packet {
	p := New(id, from, to, kind, payload)
	p.ChunkIndex = index
	p.ChunkCount = count
	p.IsFinal = index == count-1
	return p
}

func (p Packet) IsChunked() bool { return p.ChunkCount > 1 }

func (p Packet) Validate() error {
	if p.ID == "" {
		return ErrMissingID
	}
	if _, err := ParseDestination(p.To); err != nil {
		return err
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(p.Kind))
	}
	if p.ChunkCount < 1 || p.ChunkIndex < 0 || p.ChunkIndex >= p.ChunkCount {
		return fmt.Errorf("%w: %d of %d", ErrChunkRange, p.ChunkIndex, p.ChunkCount)
	}
	return nil
}

func (p Packet) WithTo(to string) Packet {
	p.Metadata = maps.Clone(p.Metadata)
	p.To = to
	return p
}

func (p Packet) WithFrom(from string) Packet {
	p.Metadata = maps.Clone(p.Metadata)
	p.From = from
	return p
}

func (p Packet) WithPayload(v any) Packet {
	p.Metadata = maps.Clone(p.Metadata)
	p.Payload = v
	return p
}

func (p Packet) WithStatus(s Status) Packet {
	p.Metadata = maps.Clone(p.Metadata)
	p.Status = s
	return p
}

func (p Packet) WithMeta(key string, value any) Packet {
	md := make(map[string]any, len(p.Metadata)+1)
	maps.Copy(md, p.Metadata)
	md[key] = value
	p.Metadata = md
	return p
}

// Meta 读取元数据中的字符串值
func (p Packet) Meta(key string) string {
	if v, ok := p.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// UnmarshalJSON 解码线上格式，缺省 chunk_count 视为 1
func (p *Packet) UnmarshalJSON(data []byte) error {
	type alias Packet
	var w struct {
		alias
		ChunkCount *int  `json:"chunk_count"`
		IsFinal    *bool `json:"is_final"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*p = Packet(w.alias)
	p.ChunkCount = 1
	if w.ChunkCount != nil {
		p.ChunkCount = *w.ChunkCount
	}
	p.IsFinal = p.ChunkIndex == p.ChunkCount-1
	if w.IsFinal != nil {
		p.IsFinal = *w.IsFinal
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	return nil
}

// Decode 解析并校验一个 JSON 编码的包
func Decode(data []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return Packet{}, fmt.Errorf("packet: decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Packet{}, err
	}
	return p, nil
}
