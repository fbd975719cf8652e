package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hongjun500/pulsebus/internal/observe"
	"github.com/hongjun500/pulsebus/internal/packet"
)

// DispatcherID 分发器自己合成的 Ack / 错误响应的发送方
const DispatcherID = "dispatcher"

// Handler 订阅回调；返回的错误只记录，不影响其它订阅者
type Handler func(packet.Packet) error

// Subscription 订阅句柄，用于取消订阅
type Subscription struct {
	Endpoint string
	id       uint64
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Stats 分发器计数快照
type Stats struct {
	Processed          uint64 `json:"packets_processed"`
	Buffered           int    `json:"packets_buffered"`
	Dropped            uint64 `json:"packets_dropped"`
	StreamsCompleted   uint64 `json:"streams_completed"`
	StreamsActive      int    `json:"streams_active"`
	StreamsEvicted     int    `json:"streams_evicted"`
	BufferedRecipients int    `json:"buffered_recipients"`
	ActiveEndpoints    int    `json:"active_endpoints"`
	CallbackErrors     uint64 `json:"callback_errors"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
}

// DispatcherOptions 分发器配置
type DispatcherOptions struct {
	MaxBuffered int // 每个端点最多缓冲的包数，超出丢弃最旧的；<=0 不限
	MaxStreams  int // 同时重组的流上限；<=0 不限
	Logger      *zap.Logger
	// OnStreamComplete 在流重组完成、投递之前调用
	OnStreamComplete func(packet.Packet)
}

// Dispatcher 把包路由给目标端点的订阅者，分片包先交给 Reassembler，
// 没有订阅者的端点先缓冲，等第一个订阅者出现时再冲刷。
type Dispatcher struct {
	mu       sync.Mutex
	subs     map[string][]handlerEntry
	nextID   uint64
	buffer   map[string][]packet.Packet
	buffered int
	streams  *Reassembler
	// held 中的端点正在冲刷，新包排到缓冲尾部；draining 标记持有冲刷循环的端点
	held     map[string]bool
	draining map[string]bool

	maxBuffered      int
	log              *zap.Logger
	onStreamComplete func(packet.Packet)

	processed        uint64
	dropped          uint64
	streamsCompleted uint64
	callbackErrors   uint64
	protocolErrors   uint64
}

func NewDispatcher(opt DispatcherOptions) *Dispatcher {
	log := opt.Logger
	if log == nil {
		log = zap.NewNop()
	}
	streams := NewReassembler(opt.MaxStreams)
	streams.log = log
	return &Dispatcher{
		subs:             make(map[string][]handlerEntry),
		buffer:           make(map[string][]packet.Packet),
		held:             make(map[string]bool),
		draining:         make(map[string]bool),
		streams:          streams,
		maxBuffered:      opt.MaxBuffered,
		log:              log,
		onStreamComplete: opt.OnStreamComplete,
	}
}

// Subscribe 注册回调；同一端点可以有多个回调，按注册顺序调用。
// 端点已有缓冲时，新包继续排队，直到调用方 FlushBuffer。
func (d *Dispatcher) Subscribe(endpoint string, fn Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buffer[endpoint]) > 0 {
		d.held[endpoint] = true
	}
	d.nextID++
	d.subs[endpoint] = append(d.subs[endpoint], handlerEntry{id: d.nextID, fn: fn})
	return Subscription{Endpoint: endpoint, id: d.nextID}
}

// Unsubscribe 移除订阅，重复调用无副作用
func (d *Dispatcher) Unsubscribe(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.subs[sub.Endpoint]
	if len(entries) == 0 {
		return
	}
	filtered := make([]handlerEntry, 0, len(entries))
	for _, e := range entries {
		if e.id != sub.id {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		delete(d.subs, sub.Endpoint)
		if !d.draining[sub.Endpoint] {
			delete(d.held, sub.Endpoint)
		}
		return
	}
	d.subs[sub.Endpoint] = filtered
}

// HasSubscribers 端点当前是否有订阅者
func (d *Dispatcher) HasSubscribers(endpoint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[endpoint]) > 0
}

// Dispatch 分发一个包，返回是否有订阅者收到（对未完成的流是 Ack 是否送达）
func (d *Dispatcher) Dispatch(p packet.Packet) bool {
	d.mu.Lock()
	d.processed++
	observe.IncProcessed()
	if !p.IsChunked() {
		d.mu.Unlock()
		return d.deliver(p)
	}

	payload, complete, err := d.streams.AddChunk(p)
	active := d.streams.Active()
	if err != nil {
		d.protocolErrors++
		d.mu.Unlock()
		observe.IncDropped("protocol")
		d.log.Warn("chunk_rejected", zap.String("stream", p.ID), zap.String("from", p.From), zap.Error(err))
		if p.From == "" {
			return false
		}
		return d.deliver(errorResponse(p, err))
	}
	if !complete {
		d.mu.Unlock()
		observe.SetStreamsActive(active)
		if p.From == "" {
			return false
		}
		return d.deliver(ackFor(p))
	}
	d.streamsCompleted++
	d.mu.Unlock()
	observe.SetStreamsActive(active)
	observe.IncStreamCompleted()

	whole := p
	whole.Payload = payload
	whole.ChunkIndex = 0
	whole.ChunkCount = 1
	whole.IsFinal = true
	whole.Status = packet.StatusComplete
	whole.CreatedAt = time.Now()
	if d.onStreamComplete != nil {
		d.onStreamComplete(whole)
	}
	return d.deliver(whole)
}

// FlushBuffer 把端点缓冲中的包按入队顺序重新投递，返回投递成功的数量。
// 冲刷期间到达的包追加到缓冲尾部，循环直到缓冲清空，保证同一端点的顺序。
func (d *Dispatcher) FlushBuffer(endpoint string) int {
	d.mu.Lock()
	if d.draining[endpoint] {
		// 另一个冲刷循环会把它们一起投递
		d.mu.Unlock()
		return 0
	}
	d.draining[endpoint] = true
	d.held[endpoint] = true

	total := 0
	for {
		pending := d.buffer[endpoint]
		entries := append([]handlerEntry(nil), d.subs[endpoint]...)
		if len(pending) == 0 || len(entries) == 0 {
			delete(d.held, endpoint)
			delete(d.draining, endpoint)
			d.mu.Unlock()
			break
		}
		delete(d.buffer, endpoint)
		d.buffered -= len(pending)
		buffered := d.buffered
		d.mu.Unlock()
		observe.SetBuffered(buffered)

		for _, p := range pending {
			d.invoke(entries, p)
		}
		total += len(pending)
		d.mu.Lock()
	}
	if total > 0 {
		d.log.Debug("buffer_flushed", zap.String("endpoint", endpoint), zap.Int("count", total))
	}
	return total
}

// Buffered 返回端点缓冲中的包（副本）
func (d *Dispatcher) Buffered(endpoint string) []packet.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]packet.Packet(nil), d.buffer[endpoint]...)
}

// MissingChunks 诊断用：返回某个流尚缺的分片
func (d *Dispatcher) MissingChunks(streamID string) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams.MissingChunks(streamID)
}

// EvictStreams 清理开始时间早于 cutoff 的未完成流
func (d *Dispatcher) EvictStreams(cutoff time.Time) []string {
	d.mu.Lock()
	ids := d.streams.Evict(cutoff)
	active := d.streams.Active()
	d.mu.Unlock()
	if len(ids) > 0 {
		observe.AddStreamsEvicted(len(ids))
		observe.SetStreamsActive(active)
		d.log.Info("streams_evicted", zap.Strings("streams", ids))
	}
	return ids
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Processed:          d.processed,
		Buffered:           d.buffered,
		Dropped:            d.dropped,
		StreamsCompleted:   d.streamsCompleted,
		StreamsActive:      d.streams.Active(),
		StreamsEvicted:     d.streams.Evicted(),
		BufferedRecipients: len(d.buffer),
		ActiveEndpoints:    len(d.subs),
		CallbackErrors:     d.callbackErrors,
		ProtocolErrors:     d.protocolErrors,
	}
}

// deliver 投递给订阅者快照；没有订阅者时进入缓冲
func (d *Dispatcher) deliver(p packet.Packet) bool {
	d.mu.Lock()
	entries := d.subs[p.To]
	if d.held[p.To] && len(entries) > 0 {
		// 排在待冲刷的包之后，由冲刷循环投递
		d.enqueueLocked(p)
		buffered := d.buffered
		d.mu.Unlock()
		observe.SetBuffered(buffered)
		return true
	}
	if len(entries) == 0 {
		d.enqueueLocked(p)
		buffered := d.buffered
		d.mu.Unlock()
		observe.SetBuffered(buffered)
		return false
	}
	// 拷贝切片以避免并发修改影响
	copied := append([]handlerEntry(nil), entries...)
	d.mu.Unlock()
	d.invoke(copied, p)
	return true
}

func (d *Dispatcher) enqueueLocked(p packet.Packet) {
	q := append(d.buffer[p.To], p)
	if d.maxBuffered > 0 && len(q) > d.maxBuffered {
		over := len(q) - d.maxBuffered
		d.dropped += uint64(over)
		d.buffered -= over
		q = append([]packet.Packet(nil), q[over:]...)
		observe.IncDropped("buffer_full")
		d.log.Warn("buffer_overflow", zap.String("endpoint", p.To), zap.Int("dropped", over))
	}
	d.buffer[p.To] = q
	d.buffered++
}

func (d *Dispatcher) invoke(entries []handlerEntry, p packet.Packet) {
	for _, e := range entries {
		if err := d.call(e.fn, p); err != nil {
			d.mu.Lock()
			d.callbackErrors++
			d.mu.Unlock()
			observe.IncCallbackError()
			d.log.Warn("callback_error", zap.String("endpoint", p.To), zap.String("packet", p.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) call(fn Handler, p packet.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return fn(p)
}

func ackFor(p packet.Packet) packet.Packet {
	ack := packet.New(
		fmt.Sprintf("ack_%s_%d", p.ID, p.ChunkIndex),
		DispatcherID,
		p.From,
		packet.KindAck,
		map[string]any{"ackedChunk": p.ChunkIndex, "streamId": p.ID},
	)
	return ack.WithStatus(packet.StatusAcknowledged)
}

func errorResponse(p packet.Packet, err error) packet.Packet {
	resp := packet.New(
		uuid.NewString(),
		DispatcherID,
		p.From,
		packet.KindResponse,
		map[string]any{"error": err.Error(), "packetId": p.ID},
	)
	return resp.WithStatus(packet.StatusError)
}
