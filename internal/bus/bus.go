// Package bus 实现进程内消息总线：端点订阅、分片流重组、未投递缓冲，
// 以及连接外部会话的入站/出站队列。
package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hongjun500/pulsebus/internal/audit"
	"github.com/hongjun500/pulsebus/internal/observe"
	"github.com/hongjun500/pulsebus/internal/packet"
)

var (
	ErrModuleExists   = errors.New("bus: module already registered")
	ErrInvalidModule  = errors.New("bus: invalid module name")
	ErrQueueFull      = errors.New("bus: inbound queue full")
	ErrBusClosed      = errors.New("bus: closed")
	ErrAlreadyRunning = errors.New("bus: already running")
	ErrChunkBroadcast = errors.New("bus: chunked packets cannot be broadcast")
)

// Registrant 模块可选实现：注册时回调一次，返回错误则撤销注册
type Registrant interface {
	OnRegister(b *Bus) error
}

// Describer 模块可选实现：在模块列表中提供描述信息
type Describer interface {
	Describe() map[string]any
}

// Outbound 出站队列中的一项；Identity 为空表示发往全部已认证连接
type Outbound struct {
	Packet   packet.Packet
	Identity string
}

// Relay 把出站包写到外部连接上
type Relay interface {
	Deliver(ctx context.Context, out Outbound) error
}

// RelayFunc 把函数适配为 Relay
type RelayFunc func(ctx context.Context, out Outbound) error

func (f RelayFunc) Deliver(ctx context.Context, out Outbound) error { return f(ctx, out) }

type options struct {
	nodeID         string
	queueSize      int
	enqueueTimeout time.Duration
	maxBuffered    int
	maxStreams     int
	streamTTL      time.Duration
	log            *zap.Logger
	recorder       audit.Recorder
}

type Option func(*options)

func WithNodeID(id string) Option               { return func(o *options) { o.nodeID = id } }
func WithQueueSize(n int) Option                { return func(o *options) { o.queueSize = n } }
func WithEnqueueTimeout(d time.Duration) Option { return func(o *options) { o.enqueueTimeout = d } }
func WithMaxBuffered(n int) Option              { return func(o *options) { o.maxBuffered = n } }
func WithMaxStreams(n int) Option               { return func(o *options) { o.maxStreams = n } }
func WithStreamTTL(d time.Duration) Option      { return func(o *options) { o.streamTTL = d } }
func WithLogger(l *zap.Logger) Option           { return func(o *options) { o.log = l } }
func WithRecorder(r audit.Recorder) Option      { return func(o *options) { o.recorder = r } }

// Bus 总线门面
type Bus struct {
	nodeID    string
	opts      options
	disp      *Dispatcher
	log       *zap.Logger
	recorder  audit.Recorder
	startedAt time.Time

	modMu   sync.RWMutex
	modules map[string]any

	inbound  chan packet.Packet
	outbound chan Outbound

	stateMu   sync.RWMutex
	inClosed  bool
	outClosed bool
	running   atomic.Bool
}

func New(opts ...Option) *Bus {
	o := options{
		queueSize:      1024,
		enqueueTimeout: 100 * time.Millisecond,
		maxBuffered:    256,
		maxStreams:     1024,
		streamTTL:      2 * time.Minute,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.nodeID == "" {
		o.nodeID = "node-" + uuid.NewString()[:8]
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.recorder == nil {
		o.recorder = audit.Nop
	}
	b := &Bus{
		nodeID:    o.nodeID,
		opts:      o,
		log:       o.log.With(zap.String("node", o.nodeID)),
		recorder:  o.recorder,
		startedAt: time.Now(),
		modules:   make(map[string]any),
		inbound:   make(chan packet.Packet, o.queueSize),
		outbound:  make(chan Outbound, o.queueSize),
	}
	b.disp = NewDispatcher(DispatcherOptions{
		MaxBuffered: o.maxBuffered,
		MaxStreams:  o.maxStreams,
		Logger:      b.log,
		OnStreamComplete: func(p packet.Packet) {
			b.record(audit.Event{Kind: audit.KindStreamCompleted, Detail: map[string]any{
				"stream_id": p.ID, "from": p.From, "to": p.To,
			}})
		},
	})
	b.disp.Subscribe(packet.Remote, func(p packet.Packet) error {
		return b.pushOutbound(Outbound{Packet: p})
	})
	return b
}

func (b *Bus) NodeID() string { return b.nodeID }

func (b *Bus) Dispatcher() *Dispatcher { return b.disp }

// NewID 生成唯一的包 ID
func (b *Bus) NewID() string { return uuid.NewString() }

// Send 按目的地址作用域路由一个包；返回是否至少有一个订阅者收到
func (b *Bus) Send(p packet.Packet) bool {
	dest, err := packet.ParseDestination(p.To)
	if err != nil {
		observe.IncDropped("protocol")
		b.log.Warn("send_rejected", zap.String("packet", p.ID), zap.Error(err))
		return false
	}
	switch dest.Scope {
	case packet.ScopeBroadcast:
		if p.IsChunked() {
			observe.IncDropped("protocol")
			b.log.Warn("send_rejected", zap.String("packet", p.ID), zap.Error(ErrChunkBroadcast))
			return false
		}
		delivered := false
		for _, name := range b.Modules() {
			if b.disp.Dispatch(p.WithTo(name)) {
				delivered = true
			}
		}
		return delivered
	case packet.ScopeLocal, packet.ScopeRemote:
		return b.disp.Dispatch(p)
	default:
		b.log.Error("send_unhandled_scope", zap.String("packet", p.ID), zap.Stringer("scope", dest.Scope))
		return false
	}
}

// SendCommand 发送命令包，返回包 ID 与是否送达
func (b *Bus) SendCommand(to, command string, params map[string]any) (string, bool) {
	id := b.NewID()
	p := packet.New(id, b.nodeID, to, packet.KindCommand, map[string]any{
		"command": command,
		"params":  params,
	})
	return id, b.Send(p)
}

// SendEvent 发送事件包；to 为空时广播
func (b *Bus) SendEvent(eventType string, data any, to string) bool {
	if to == "" {
		to = packet.Broadcast
	}
	p := packet.New(b.NewID(), b.nodeID, to, packet.KindEvent, map[string]any{
		"event_type": eventType,
		"data":       data,
	})
	return b.Send(p)
}

// RegisterModule 登记一个命名模块，广播会展开到全部已登记模块
func (b *Bus) RegisterModule(name string, handle any) error {
	// 模块名必须是本地端点，不能占用 broadcast / remote 哨兵
	if dest, err := packet.ParseDestination(name); err != nil || dest.Scope != packet.ScopeLocal || dest.Name != name {
		return fmt.Errorf("%w: %q", ErrInvalidModule, name)
	}
	b.modMu.Lock()
	if _, ok := b.modules[name]; ok {
		b.modMu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleExists, name)
	}
	b.modules[name] = handle
	b.modMu.Unlock()

	if r, ok := handle.(Registrant); ok {
		if err := r.OnRegister(b); err != nil {
			b.modMu.Lock()
			delete(b.modules, name)
			b.modMu.Unlock()
			return fmt.Errorf("bus: register %s: %w", name, err)
		}
	}
	b.log.Info("module_registered", zap.String("module", name))
	b.record(audit.Event{Kind: audit.KindModuleRegistered, Detail: map[string]any{"module": name}})
	return nil
}

func (b *Bus) UnregisterModule(name string) bool {
	b.modMu.Lock()
	defer b.modMu.Unlock()
	if _, ok := b.modules[name]; !ok {
		return false
	}
	delete(b.modules, name)
	return true
}

// Modules 已登记模块名（排序后的快照）
func (b *Bus) Modules() []string {
	b.modMu.RLock()
	names := make([]string, 0, len(b.modules))
	for n := range b.modules {
		names = append(names, n)
	}
	b.modMu.RUnlock()
	sort.Strings(names)
	return names
}

// Module 返回模块句柄
func (b *Bus) Module(name string) (any, bool) {
	b.modMu.RLock()
	defer b.modMu.RUnlock()
	h, ok := b.modules[name]
	return h, ok
}

// Subscribe 订阅端点并立即冲刷该端点的缓冲
func (b *Bus) Subscribe(endpoint string, h Handler) Subscription {
	sub := b.disp.Subscribe(endpoint, h)
	if n := b.disp.FlushBuffer(endpoint); n > 0 {
		b.log.Debug("subscribe_flushed", zap.String("endpoint", endpoint), zap.Int("count", n))
	}
	return sub
}

func (b *Bus) Unsubscribe(sub Subscription) { b.disp.Unsubscribe(sub) }

// SubscribeRemote 把发往 remote:<identity> 的包接入出站队列
func (b *Bus) SubscribeRemote(identity string) Subscription {
	return b.Subscribe(packet.RemoteEndpoint(identity), func(p packet.Packet) error {
		return b.pushOutbound(Outbound{Packet: p, Identity: identity})
	})
}

// Enqueue 把外部来的包放入入站队列，队列满时最多等待 EnqueueTimeout
func (b *Bus) Enqueue(p packet.Packet) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.inClosed {
		return ErrBusClosed
	}
	select {
	case b.inbound <- p:
		return nil
	default:
	}
	t := time.NewTimer(b.opts.enqueueTimeout)
	defer t.Stop()
	select {
	case b.inbound <- p:
		return nil
	case <-t.C:
		observe.IncDropped("queue_full")
		return ErrQueueFull
	}
}

// EnqueueRaw 解码 JSON 编码的包后入队
func (b *Bus) EnqueueRaw(data []byte) error {
	p, err := packet.Decode(data)
	if err != nil {
		return err
	}
	return b.Enqueue(p)
}

func (b *Bus) pushOutbound(out Outbound) error {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.outClosed {
		return ErrBusClosed
	}
	t := time.NewTimer(b.opts.enqueueTimeout)
	defer t.Stop()
	select {
	case b.outbound <- out:
		return nil
	case <-t.C:
		observe.IncDropped("queue_full")
		return fmt.Errorf("bus: outbound queue full, packet %s", out.Packet.ID)
	}
}

// Run 启动入站消费、出站消费与过期流清理，ctx 结束时先排空入站再排空出站
func (b *Bus) Run(ctx context.Context, relay Relay) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	g, gctx := errgroup.WithContext(ctx)
	inboundDone := make(chan struct{})

	g.Go(func() error {
		defer close(inboundDone)
		for {
			select {
			case p := <-b.inbound:
				b.Send(p)
			case <-gctx.Done():
				b.stateMu.Lock()
				b.inClosed = true
				b.stateMu.Unlock()
				n := 0
				for {
					select {
					case p := <-b.inbound:
						b.Send(p)
						n++
					default:
						b.log.Info("inbound_drained", zap.Int("count", n))
						return nil
					}
				}
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case out := <-b.outbound:
				b.relay(gctx, relay, out)
			case <-gctx.Done():
				<-inboundDone
				b.stateMu.Lock()
				b.outClosed = true
				b.stateMu.Unlock()
				flushCtx := context.WithoutCancel(gctx)
				for {
					select {
					case out := <-b.outbound:
						b.relay(flushCtx, relay, out)
					default:
						return nil
					}
				}
			}
		}
	})

	g.Go(func() error {
		interval := b.opts.streamTTL / 2
		if interval <= 0 {
			return nil
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				b.disp.EvictStreams(now.Add(-b.opts.streamTTL))
			case <-gctx.Done():
				return nil
			}
		}
	})

	b.log.Info("bus_started", zap.Int("queue_size", b.opts.queueSize))
	err := g.Wait()
	b.log.Info("bus_stopped")
	return err
}

func (b *Bus) relay(ctx context.Context, relay Relay, out Outbound) {
	if relay == nil {
		return
	}
	if err := relay.Deliver(ctx, out); err != nil {
		b.log.Warn("relay_error", zap.String("packet", out.Packet.ID), zap.String("identity", out.Identity), zap.Error(err))
	}
}

// Status 总线状态快照
type Status struct {
	NodeID        string   `json:"node_id"`
	UptimeSeconds float64  `json:"uptime_seconds"`
	Modules       []string `json:"modules"`
	Dispatcher    Stats    `json:"dispatcher"`
	InboundDepth  int      `json:"inbound_depth"`
	OutboundDepth int      `json:"outbound_depth"`
	Running       bool     `json:"running"`
}

func (b *Bus) Status() Status {
	return Status{
		NodeID:        b.nodeID,
		UptimeSeconds: time.Since(b.startedAt).Seconds(),
		Modules:       b.Modules(),
		Dispatcher:    b.disp.Stats(),
		InboundDepth:  len(b.inbound),
		OutboundDepth: len(b.outbound),
		Running:       b.running.Load(),
	}
}

func (b *Bus) record(e audit.Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.NodeID = b.nodeID
	if err := b.recorder.Record(context.Background(), e); err != nil {
		b.log.Warn("audit_error", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
