package gateway

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hongjun500/pulsebus/internal/auth"
	"github.com/hongjun500/pulsebus/internal/observe"
	"github.com/hongjun500/pulsebus/internal/transport"
)

// State 会话状态机：Connected → AwaitingCredential → Authenticated → Heartbeating → Closed
type State uint8

const (
	StateConnected State = iota
	StateAwaitingCredential
	StateAuthenticated
	StateHeartbeating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAwaitingCredential:
		return "awaiting_credential"
	case StateAuthenticated:
		return "authenticated"
	case StateHeartbeating:
		return "heartbeating"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// authed 已认证（含心跳中）
func (s State) authed() bool { return s == StateAuthenticated || s == StateHeartbeating }

// Session 一条连接的运行时状态
type Session struct {
	id      string
	conn    transport.Conn
	limiter *rate.Limiter

	mu       sync.Mutex
	state    State
	nonce    string
	identity string
	purpose  string
	token    auth.HeartbeatToken
	openedAt time.Time
	lastSeen time.Time
	frames   int
	errors   int
	timer    *time.Timer
}

func newSession(c transport.Conn, now time.Time, limiter *rate.Limiter) *Session {
	observe.AddSessions(StateConnected.String(), 1)
	return &Session{
		id:       c.ID(),
		conn:     c,
		limiter:  limiter,
		state:    StateConnected,
		openedAt: now,
		lastSeen: now,
	}
}

func (s *Session) ID() string { return s.id }

// setStateLocked 切换状态并同步指标，调用方持有 s.mu
func (s *Session) setStateLocked(next State) State {
	prev := s.state
	if prev == next {
		return prev
	}
	s.state = next
	observe.AddSessions(prev.String(), -1)
	if next != StateClosed {
		observe.AddSessions(next.String(), 1)
	}
	return prev
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Token() auth.HeartbeatToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SessionInfo 会话快照
type SessionInfo struct {
	ID             string    `json:"sessionId"`
	RemoteAddr     string    `json:"remoteAddr"`
	State          string    `json:"state"`
	Identity       string    `json:"identity,omitempty"`
	AuthLevel      string    `json:"authLevel,omitempty"`
	Purpose        string    `json:"purpose,omitempty"`
	OpenedAt       time.Time `json:"openedAt"`
	LastSeen       time.Time `json:"lastSeen"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt,omitempty"`
	Frames         int       `json:"frames"`
	Errors         int       `json:"errors"`
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:         s.id,
		RemoteAddr: s.conn.RemoteAddr(),
		State:      s.state.String(),
		Identity:   s.identity,
		Purpose:    s.purpose,
		OpenedAt:   s.openedAt,
		LastSeen:   s.lastSeen,
		Frames:     s.frames,
		Errors:     s.errors,
	}
	if s.state.authed() {
		info.AuthLevel = s.token.Tier.String()
		info.TokenExpiresAt = s.token.ExpiresAt()
	}
	return info
}
