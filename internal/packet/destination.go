package packet

import (
	"fmt"
	"strings"
)

const (
	// Broadcast 广播哨兵：发送时展开为当前已注册的全部模块
	Broadcast = "broadcast"
	// Remote 发往所有已认证的外部连接
	Remote = "remote"

	remotePrefix = Remote + ":"
)

// Scope 目的地址的作用域
type Scope uint8

const (
	ScopeLocal Scope = iota
	ScopeBroadcast
	ScopeRemote
)

func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeBroadcast:
		return "broadcast"
	case ScopeRemote:
		return "remote"
	}
	return fmt.Sprintf("scope(%d)", uint8(s))
}

// Destination 解析后的目的地址
type Destination struct {
	Scope Scope
	// Name 对 ScopeLocal 是端点名；对 ScopeRemote 是身份（空表示全部连接）
	Name string
}

func ParseDestination(to string) (Destination, error) {
	to = strings.TrimSpace(to)
	switch {
	case to == "":
		return Destination{}, ErrEmptyDestination
	case to == Broadcast:
		return Destination{Scope: ScopeBroadcast}, nil
	case to == Remote:
		return Destination{Scope: ScopeRemote}, nil
	case strings.HasPrefix(to, remotePrefix):
		id := strings.TrimPrefix(to, remotePrefix)
		if id == "" {
			return Destination{}, fmt.Errorf("%w: %q", ErrEmptyDestination, to)
		}
		return Destination{Scope: ScopeRemote, Name: id}, nil
	default:
		return Destination{Scope: ScopeLocal, Name: to}, nil
	}
}

// RemoteEndpoint 返回指定身份的远端端点名
func RemoteEndpoint(identity string) string {
	if identity == "" {
		return Remote
	}
	return remotePrefix + identity
}

func (d Destination) String() string {
	switch d.Scope {
	case ScopeBroadcast:
		return Broadcast
	case ScopeRemote:
		return RemoteEndpoint(d.Name)
	default:
		return d.Name
	}
}
