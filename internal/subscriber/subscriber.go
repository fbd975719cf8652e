// Package subscriber 注册总线内置端点。
package subscriber

import (
	"go.uber.org/zap"

	"github.com/hongjun500/pulsebus/internal/bus"
	"github.com/hongjun500/pulsebus/internal/packet"
	"github.com/hongjun500/pulsebus/pkg/logger"
)

const (
	SystemEndpoint  = "system"
	ModulesEndpoint = "modules"
)

// RegisterAll 把所有内置订阅者注册到总线，返回句柄便于测试中取消
func RegisterAll(b *bus.Bus) []bus.Subscription {
	return []bus.Subscription{
		registerSystem(b),
		registerModules(b),
	}
}

// system 端点：回复节点状态
func registerSystem(b *bus.Bus) bus.Subscription {
	return b.Subscribe(SystemEndpoint, func(p packet.Packet) error {
		return reply(b, p, b.Status())
	})
}

// modules 端点：回复已登记模块列表，模块实现 Describer 时附带描述
func registerModules(b *bus.Bus) bus.Subscription {
	return b.Subscribe(ModulesEndpoint, func(p packet.Packet) error {
		names := b.Modules()
		list := make([]map[string]any, 0, len(names))
		for _, name := range names {
			entry := map[string]any{"name": name}
			if h, ok := b.Module(name); ok {
				if d, ok := h.(bus.Describer); ok {
					entry["info"] = d.Describe()
				}
			}
			list = append(list, entry)
		}
		return reply(b, p, map[string]any{"modules": list, "count": len(list)})
	})
}

func reply(b *bus.Bus, req packet.Packet, payload any) error {
	if req.From == "" {
		logger.L().Sugar().Debugw("system_reply_skipped", "packet", req.ID)
		return nil
	}
	resp := packet.New(b.NewID(), req.To, req.From, packet.KindResponse, payload).
		WithStatus(packet.StatusComplete).
		WithMeta("reply_to", req.ID)
	if !b.Send(resp) {
		logger.L().Debug("system_reply_buffered", zap.String("to", req.From), zap.String("packet", req.ID))
	}
	return nil
}
