// Package audit 把核心产生的结构化事件交给外部记录方（日志、sqlite、redis stream、nats）。
// 核心路径从不因审计而阻塞：生产环境下所有 Recorder 都包在 Async 之后。
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hongjun500/pulsebus/internal/observe"
)

// Kind 审计事件类型
type Kind string

const (
	KindModuleRegistered     Kind = "module_registered"
	KindStreamCompleted      Kind = "stream_completed"
	KindSessionAuthenticated Kind = "session_authenticated"
	KindSessionClosed        Kind = "session_closed"
	KindSessionExpired       Kind = "session_expired"
	KindErrorBudgetEviction  Kind = "error_budget_eviction"
	KindAuthFailed           Kind = "auth_failed"
)

type Event struct {
	Kind      Kind           `json:"kind"`
	At        time.Time      `json:"at"`
	NodeID    string         `json:"node_id,omitempty"`
	Identity  string         `json:"identity,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Recorder 审计记录方
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// RecorderFunc 把函数适配为 Recorder
type RecorderFunc func(ctx context.Context, e Event) error

func (f RecorderFunc) Record(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop 丢弃所有事件
var Nop Recorder = RecorderFunc(func(context.Context, Event) error { return nil })

// LogRecorder 以结构化日志输出审计事件
type LogRecorder struct{ Log *zap.Logger }

func (r LogRecorder) Record(_ context.Context, e Event) error {
	r.Log.Info("audit",
		zap.String("kind", string(e.Kind)),
		zap.Time("at", e.At),
		zap.String("node", e.NodeID),
		zap.String("identity", e.Identity),
		zap.String("session", e.SessionID),
		zap.Any("detail", e.Detail),
	)
	return nil
}

// Multi 把事件交给每个 Recorder，汇总错误
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async 带缓冲的非阻塞管道，缓冲满时丢弃并计数
type Async struct {
	next Recorder
	ch   chan Event
	log  *zap.Logger
}

func NewAsync(next Recorder, buffer int, log *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{next: next, ch: make(chan Event, buffer), log: log}
}

func (a *Async) Record(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	select {
	case a.ch <- e:
	default:
		observe.IncAuditDropped()
	}
	return nil
}

// Run 消费事件直到 ctx 结束，结束前把剩余事件写完
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case e := <-a.ch:
			a.write(ctx, e)
		case <-ctx.Done():
			flushCtx := context.WithoutCancel(ctx)
			for {
				select {
				case e := <-a.ch:
					a.write(flushCtx, e)
				default:
					return nil
				}
			}
		}
	}
}

func (a *Async) write(ctx context.Context, e Event) {
	if err := a.next.Record(ctx, e); err != nil {
		a.log.Warn("audit_write_error", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
