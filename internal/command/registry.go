// Package command 网关命令注册表：按名称（及别名）查找，按认证等级放行。
package command

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hongjun500/pulsebus/internal/auth"
	"github.com/hongjun500/pulsebus/internal/observe"
)

var (
	ErrNotFound         = errors.New("command: not found")
	ErrPermissionDenied = errors.New("command: permission denied")
	ErrUsage            = errors.New("command: usage")
)

// Host 命令可以操作的网关能力
type Host interface {
	Status() any
	SessionsInfo() any
	Kick(sessionID, reason string) error
	Announce(from, text string) bool
}

// Caller 发起命令的会话
type Caller struct {
	SessionID string    `json:"sessionId"`
	Identity  string    `json:"identity"`
	Tier      auth.Tier `json:"authLevel"`
}

type Context struct {
	Host   Host
	Caller Caller
	Args   []string
}

type HandlerFunc func(ctx *Context) (any, error)

type Command struct {
	Name    string
	Aliases []string
	Help    string
	MinTier auth.Tier
	Handler HandlerFunc
}

type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Command
	list   []*Command
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Command),
		list:   make([]*Command, 0),
	}
}

func (r *Registry) Register(cmd *Command) error {
	if cmd == nil {
		return errors.New("command is nil")
	}
	if cmd.Handler == nil {
		return fmt.Errorf("command %s has no handler", cmd.Name)
	}
	name := normalize(cmd.Name)
	if name == "" {
		return errors.New("command name is empty")
	}
	if strings.ContainsAny(name, "/ ") {
		return fmt.Errorf("command name must not contain '/' or spaces: %s", name)
	}
	keys := []string{name}
	for _, item := range cmd.Aliases {
		if alias := normalize(item); alias != "" {
			keys = append(keys, alias)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// 先全部检查再写入，失败时不留半注册状态
	for _, k := range keys {
		if _, exists := r.byName[k]; exists {
			return fmt.Errorf("command %s already registered", k)
		}
	}
	for _, k := range keys {
		r.byName[k] = cmd
	}
	r.list = append(r.list, cmd)
	return nil
}

func (r *Registry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.byName[normalize(name)]
	return cmd, ok
}

func (r *Registry) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, len(r.list))
	copy(out, r.list)
	return out
}

// Execute 查找并执行命令；等级不足返回 ErrPermissionDenied
func (r *Registry) Execute(ctx *Context, name string, args []string) (any, error) {
	cmd, ok := r.Get(name)
	if !ok {
		observe.IncCommandError("not_found")
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !ctx.Caller.Tier.AtLeast(cmd.MinTier) {
		observe.IncCommandError("permission")
		return nil, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, cmd.Name, cmd.MinTier)
	}
	ctx.Args = args
	observe.IncCommand(cmd.Name)
	result, err := cmd.Handler(ctx)
	if err != nil {
		observe.IncCommandError("handler")
		return nil, err
	}
	return result, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/"))
}
