package command

import (
	"fmt"
	"strings"

	"github.com/hongjun500/pulsebus/internal/auth"
)

// RegisterBuiltins 注册内置命令
func RegisterBuiltins(r *Registry) error {
	builtins := []*Command{
		{
			Name:    "help",
			Help:    "列出当前等级可用的命令",
			MinTier: auth.TierGuest,
			Handler: func(ctx *Context) (any, error) {
				var lines []string
				for _, c := range r.List() {
					if !ctx.Caller.Tier.AtLeast(c.MinTier) {
						continue
					}
					aliases := ""
					if len(c.Aliases) > 0 {
						aliases = " (别名: " + strings.Join(c.Aliases, ", ") + ")"
					}
					lines = append(lines, fmt.Sprintf("%s - %s%s", c.Name, c.Help, aliases))
				}
				return lines, nil
			},
		},
		{
			Name:    "whoami",
			Help:    "查看当前会话身份",
			MinTier: auth.TierGuest,
			Handler: func(ctx *Context) (any, error) { return ctx.Caller, nil },
		},
		{
			Name:    "status",
			Aliases: []string{"stat"},
			Help:    "节点与总线状态",
			MinTier: auth.TierGuest,
			Handler: func(ctx *Context) (any, error) { return ctx.Host.Status(), nil },
		},
		{
			Name:    "sessions",
			Aliases: []string{"who"},
			Help:    "在线会话列表",
			MinTier: auth.TierLocal,
			Handler: func(ctx *Context) (any, error) { return ctx.Host.SessionsInfo(), nil },
		},
		{
			Name:    "kick",
			Help:    "断开会话: kick <sessionId> [reason]",
			MinTier: auth.TierDivine,
			Handler: func(ctx *Context) (any, error) {
				if len(ctx.Args) < 1 {
					return nil, fmt.Errorf("%w: kick <sessionId> [reason]", ErrUsage)
				}
				reason := "kicked"
				if len(ctx.Args) > 1 {
					reason = strings.Join(ctx.Args[1:], " ")
				}
				if err := ctx.Host.Kick(ctx.Args[0], reason); err != nil {
					return nil, err
				}
				return map[string]any{"kicked": ctx.Args[0]}, nil
			},
		},
		{
			Name:    "broadcast",
			Aliases: []string{"announce"},
			Help:    "向全部模块广播事件: broadcast <text...>",
			MinTier: auth.TierDivine,
			Handler: func(ctx *Context) (any, error) {
				if len(ctx.Args) == 0 {
					return nil, fmt.Errorf("%w: broadcast <text...>", ErrUsage)
				}
				delivered := ctx.Host.Announce(ctx.Caller.Identity, strings.Join(ctx.Args, " "))
				return map[string]any{"delivered": delivered}, nil
			},
		},
	}
	for _, c := range builtins {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
