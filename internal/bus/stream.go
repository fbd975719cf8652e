package bus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/pulsebus/internal/packet"
)

var ErrChunkOutOfRange = errors.New("bus: chunk index out of range")

// streamState 单个流的重组状态，按包 ID 索引
type streamState struct {
	expected  int
	received  map[int]packet.Packet
	startedAt time.Time
}

// Reassembler 收集同一 ID 的分片，全部到齐后按下标顺序拼接。
// 非并发安全，由 Dispatcher 的锁保护。
type Reassembler struct {
	streams    map[string]*streamState
	maxStreams int
	now        func() time.Time
	evicted    int
	log        *zap.Logger
}

func NewReassembler(maxStreams int) *Reassembler {
	return &Reassembler{
		streams:    make(map[string]*streamState),
		maxStreams: maxStreams,
		now:        time.Now,
		log:        zap.NewNop(),
	}
}

// AddChunk 存入一个分片；流完整时返回拼接结果且 complete=true，之后该流状态立即删除
func (r *Reassembler) AddChunk(p packet.Packet) (payload any, complete bool, err error) {
	st, ok := r.streams[p.ID]
	if !ok {
		if p.ChunkIndex < 0 || p.ChunkIndex >= p.ChunkCount {
			return nil, false, fmt.Errorf("%w: stream %s chunk %d of %d", ErrChunkOutOfRange, p.ID, p.ChunkIndex, p.ChunkCount)
		}
		r.makeRoom()
		st = &streamState{
			expected:  p.ChunkCount,
			received:  make(map[int]packet.Packet, p.ChunkCount),
			startedAt: r.now(),
		}
		r.streams[p.ID] = st
	}
	// 以首个分片声明的总数为准，声明不一致只影响本流
	if p.ChunkIndex < 0 || p.ChunkIndex >= st.expected {
		return nil, false, fmt.Errorf("%w: stream %s chunk %d of %d", ErrChunkOutOfRange, p.ID, p.ChunkIndex, st.expected)
	}
	st.received[p.ChunkIndex] = p
	if len(st.received) < st.expected {
		return nil, false, nil
	}
	delete(r.streams, p.ID)
	payload, uniform := concat(st)
	if !uniform {
		r.log.Warn("stream_payload_mixed", zap.String("stream", p.ID), zap.Int("chunks", st.expected))
	}
	return payload, true, nil
}

// MissingChunks 返回尚未收到的分片下标（升序）
func (r *Reassembler) MissingChunks(id string) []int {
	st, ok := r.streams[id]
	if !ok {
		return nil
	}
	missing := make([]int, 0, st.expected-len(st.received))
	for i := 0; i < st.expected; i++ {
		if _, ok := st.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// Received 返回某流已收到的不同下标数量
func (r *Reassembler) Received(id string) int {
	if st, ok := r.streams[id]; ok {
		return len(st.received)
	}
	return 0
}

func (r *Reassembler) Active() int { return len(r.streams) }

func (r *Reassembler) Evicted() int { return r.evicted }

// Evict 清理早于 cutoff 开始的未完成流，返回被清理的流 ID
func (r *Reassembler) Evict(cutoff time.Time) []string {
	var ids []string
	for id, st := range r.streams {
		if st.startedAt.Before(cutoff) {
			ids = append(ids, id)
			delete(r.streams, id)
		}
	}
	r.evicted += len(ids)
	sort.Strings(ids)
	return ids
}

// makeRoom 流数量达到上限时淘汰最早开始的一个
func (r *Reassembler) makeRoom() {
	if r.maxStreams <= 0 || len(r.streams) < r.maxStreams {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, st := range r.streams {
		if oldestID == "" || st.startedAt.Before(oldest) {
			oldestID, oldest = id, st.startedAt
		}
	}
	delete(r.streams, oldestID)
	r.evicted++
}

// concat 按下标拼接同类型的载荷；类型不一致时逐个收集原始载荷，uniform=false
func concat(st *streamState) (payload any, uniform bool) {
	idx := make([]int, 0, len(st.received))
	for i := range st.received {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	if len(idx) == 1 {
		return st.received[idx[0]].Payload, true
	}

	shape := payloadShape(st.received[idx[0]].Payload)
	uniform = true
	for _, i := range idx[1:] {
		if payloadShape(st.received[i].Payload) != shape {
			uniform = false
			shape = shapeOther
			break
		}
	}

	switch shape {
	case shapeString:
		var sb strings.Builder
		for _, i := range idx {
			sb.WriteString(st.received[i].Payload.(string))
		}
		return sb.String(), true
	case shapeBytes:
		var b []byte
		for _, i := range idx {
			b = append(b, st.received[i].Payload.([]byte)...)
		}
		return b, true
	case shapeList:
		var out []any
		for _, i := range idx {
			out = append(out, st.received[i].Payload.([]any)...)
		}
		return out, true
	default:
		out := make([]any, 0, len(idx))
		for _, i := range idx {
			out = append(out, st.received[i].Payload)
		}
		return out, uniform
	}
}

const (
	shapeOther = iota
	shapeString
	shapeBytes
	shapeList
)

func payloadShape(v any) int {
	switch v.(type) {
	case string:
		return shapeString
	case []byte:
		return shapeBytes
	case []any:
		return shapeList
	default:
		return shapeOther
	}
}
