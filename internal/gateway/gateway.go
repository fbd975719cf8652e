// Package gateway 会话网关：挑战/应答认证、心跳令牌续期、存活扫描，
// 并在认证后的连接与总线之间双向转发包。
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hongjun500/pulsebus/internal/audit"
	"github.com/hongjun500/pulsebus/internal/auth"
	"github.com/hongjun500/pulsebus/internal/bus"
	"github.com/hongjun500/pulsebus/internal/codec"
	"github.com/hongjun500/pulsebus/internal/command"
	"github.com/hongjun500/pulsebus/internal/observe"
	"github.com/hongjun500/pulsebus/internal/packet"
	"github.com/hongjun500/pulsebus/internal/transport"
)

var (
	ErrSessionNotFound = errors.New("gateway: session not found")
	ErrNoRecipients    = errors.New("gateway: no authenticated sessions for packet")
)

type Options struct {
	SigningKey        string
	CredentialTimeout time.Duration
	// MaxSkew 凭证 issuedAt 与本地时钟允许的最大偏差，0 表示不检查
	MaxSkew           time.Duration
	LivenessWindow    time.Duration
	SweepInterval     time.Duration
	ErrorTolerance    int
	RatePerSecond     float64
	RateBurst         int

	Policy    auth.Policy
	Directory *auth.Directory
	Purposes  auth.Purposes
	Commands  *command.Registry
	Recorder  audit.Recorder
	Logger    *zap.Logger
	// Now 注入时钟，测试用
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.SigningKey == "" {
		o.SigningKey = uuid.NewString()
	}
	if o.CredentialTimeout <= 0 {
		o.CredentialTimeout = 10 * time.Second
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Second
	}
	if o.ErrorTolerance < 0 {
		o.ErrorTolerance = 0
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 50
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 100
	}
	if o.Policy == nil {
		o.Policy = auth.DefaultPolicy()
	}
	if o.Purposes == nil {
		o.Purposes = auth.DefaultPurposes()
	}
	if o.Recorder == nil {
		o.Recorder = audit.Nop
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Gateway 实现 transport.Gateway、bus.Relay 与 command.Host
type Gateway struct {
	bus       *bus.Bus
	opts      Options
	validator *auth.Validator
	issuer    *auth.Issuer
	log       *zap.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	byIdentity map[string]map[string]*Session

	// subMu 串行化 remote:<identity> 的订阅与取消
	subMu      sync.Mutex
	remoteSubs map[string]bus.Subscription
}

func New(b *bus.Bus, opts Options) *Gateway {
	opts = opts.withDefaults()
	if opts.Commands == nil {
		opts.Commands = command.NewRegistry()
		_ = command.RegisterBuiltins(opts.Commands)
	}
	return &Gateway{
		bus:  b,
		opts: opts,
		validator: &auth.Validator{
			Policy:    opts.Policy,
			Directory: opts.Directory,
			Purposes:  opts.Purposes,
			MaxSkew:   opts.MaxSkew,
			Now:       opts.Now,
		},
		issuer:     auth.NewIssuer(opts.SigningKey, opts.Policy, opts.Now),
		log:        opts.Logger.Named("gateway"),
		sessions:   make(map[string]*Session),
		byIdentity: make(map[string]map[string]*Session),
		remoteSubs: make(map[string]bus.Subscription),
	}
}

func (g *Gateway) session(id string) *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessions[id]
}

// OnSessionOpen 发送挑战并启动凭证计时器
func (g *Gateway) OnSessionOpen(c transport.Conn) {
	limiter := rate.NewLimiter(rate.Limit(g.opts.RatePerSecond), g.opts.RateBurst)
	s := newSession(c, g.opts.Now(), limiter)
	g.mu.Lock()
	g.sessions[s.id] = s
	g.mu.Unlock()

	s.mu.Lock()
	s.nonce = uuid.NewString()
	s.setStateLocked(StateAwaitingCredential)
	s.timer = time.AfterFunc(g.opts.CredentialTimeout, func() { g.credentialTimeout(s) })
	nonce := s.nonce
	s.mu.Unlock()

	g.log.Debug("session_open", zap.String("session", s.id), zap.String("remote", c.RemoteAddr()))
	g.send(s, challengeFrame{
		Type:           TypeAuthChallenge,
		Nonce:          nonce,
		RequiredFields: auth.RequiredFields,
		TimeoutSeconds: int(g.opts.CredentialTimeout / time.Second),
	})
}

// OnFrame 按帧类型与会话状态分派
func (g *Gateway) OnFrame(c transport.Conn, f *codec.Frame) {
	s := g.session(c.ID())
	if s == nil {
		_ = c.Close()
		return
	}
	s.mu.Lock()
	state := s.state
	s.frames++
	s.mu.Unlock()
	if state == StateClosed {
		return
	}
	if !s.limiter.Allow() {
		g.protocolError(s, CodeRateLimited, "too many frames")
		return
	}

	switch f.Type {
	case TypeAuthResponse:
		g.handleCredential(s, f)
	case "":
		if state == StateAwaitingCredential {
			g.handleCredential(s, f)
			return
		}
		g.protocolError(s, CodeUnknownType, "frame type is required")
	case TypeHeartbeat, TypePacket, TypeCommand:
		if !state.authed() {
			g.protocolError(s, CodeNotAuthenticated, "authenticate before sending "+f.Type)
			return
		}
		switch f.Type {
		case TypeHeartbeat:
			g.handleHeartbeat(s, f)
		case TypePacket:
			g.handlePacket(s, f)
		case TypeCommand:
			g.handleCommand(s, f)
		}
	default:
		g.protocolError(s, CodeUnknownType, fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

func (g *Gateway) OnDecodeError(c transport.Conn, err error) {
	if s := g.session(c.ID()); s != nil {
		g.protocolError(s, CodeDecodeError, err.Error())
	}
}

func (g *Gateway) OnSessionClose(c transport.Conn, err error) {
	s := g.session(c.ID())
	if s == nil {
		return
	}
	if err != nil {
		g.log.Debug("session_read_error", zap.String("session", s.id), zap.Error(err))
	}
	g.closeSession(s, "disconnected", nil)
}

func (g *Gateway) handleCredential(s *Session, f *codec.Frame) {
	s.mu.Lock()
	if s.state != StateAwaitingCredential {
		s.mu.Unlock()
		g.protocolError(s, CodeAlreadyAuthed, "credential already accepted")
		return
	}
	nonce := s.nonce
	s.mu.Unlock()

	var cred auth.Credential
	if err := f.Decode(&cred); err != nil {
		g.rejectCredential(s, cred.Identity, &auth.CredentialError{Code: auth.CodeInvalidField, Reason: err.Error()})
		return
	}
	tier, quality, err := g.validator.Validate(cred, nonce)
	if err != nil {
		var ce *auth.CredentialError
		if !errors.As(err, &ce) {
			ce = &auth.CredentialError{Code: auth.CodeInvalidField, Reason: err.Error()}
		}
		g.rejectCredential(s, cred.Identity, ce)
		return
	}

	token := g.issuer.Issue(cred.Identity, tier, quality)
	s.mu.Lock()
	if s.state != StateAwaitingCredential {
		// 计时器已抢先关闭会话
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.identity = cred.Identity
	s.purpose = cred.Purpose
	s.token = token
	s.lastSeen = g.opts.Now()
	s.setStateLocked(StateAuthenticated)
	s.mu.Unlock()

	g.mu.Lock()
	set, ok := g.byIdentity[cred.Identity]
	if !ok {
		set = make(map[string]*Session)
		g.byIdentity[cred.Identity] = set
	}
	set[s.id] = s
	g.mu.Unlock()

	observe.IncAuth("ok")
	g.send(s, successFrame{
		Type:      TypeAuthSuccess,
		Token:     token,
		SessionID: s.id,
		Rules:     g.rulesFor(tier, token),
	})
	g.acquireRemote(cred.Identity)

	g.log.Info("session_authenticated",
		zap.String("session", s.id),
		zap.String("identity", cred.Identity),
		zap.Stringer("tier", tier),
		zap.String("purpose", cred.Purpose),
	)
	g.record(audit.Event{Kind: audit.KindSessionAuthenticated, Identity: cred.Identity, SessionID: s.id,
		Detail: map[string]any{"tier": tier.String(), "purpose": cred.Purpose, "quality": quality}})
}

func (g *Gateway) rejectCredential(s *Session, identity string, ce *auth.CredentialError) {
	observe.IncAuth(ce.Code)
	g.send(s, failureFrame{
		Type:         TypeAuthFailure,
		Reason:       ce.Reason,
		Code:         ce.Code,
		RetryAllowed: retryAllowed(ce.Code),
	})
	g.log.Info("auth_failed", zap.String("session", s.id), zap.String("identity", identity), zap.String("code", ce.Code))
	g.record(audit.Event{Kind: audit.KindAuthFailed, Identity: identity, SessionID: s.id,
		Detail: map[string]any{"code": ce.Code, "reason": ce.Reason}})
	g.closeSession(s, "auth_failed", nil)
}

// retryAllowed 身份本身不合格时重连也不会成功
func retryAllowed(code string) bool {
	switch code {
	case auth.CodeUnknownIdentity, auth.CodeTierNotPermitted, auth.CodeBadSignature:
		return false
	}
	return true
}

func (g *Gateway) credentialTimeout(s *Session) {
	s.mu.Lock()
	waiting := s.state == StateAwaitingCredential || s.state == StateConnected
	s.mu.Unlock()
	if !waiting {
		return
	}
	observe.IncAuth(CodeTimeout)
	g.send(s, failureFrame{
		Type:         TypeAuthFailure,
		Reason:       fmt.Sprintf("no credential within %s", g.opts.CredentialTimeout),
		Code:         CodeTimeout,
		RetryAllowed: true,
	})
	g.record(audit.Event{Kind: audit.KindAuthFailed, SessionID: s.id, Detail: map[string]any{"code": CodeTimeout}})
	g.closeSession(s, "auth_timeout", nil)
}

func (g *Gateway) handleHeartbeat(s *Session, f *codec.Frame) {
	var hb heartbeatFrame
	if err := f.Decode(&hb); err != nil {
		g.protocolError(s, CodeDecodeError, err.Error())
		return
	}
	now := g.opts.Now()
	s.mu.Lock()
	current := s.token
	s.mu.Unlock()

	if hb.PulseID == "" || hb.PulseID != current.PulseID {
		observe.IncHeartbeat(CodeInvalidPulse)
		g.protocolError(s, CodeInvalidPulse, "pulseId does not match the current token")
		return
	}
	if err := g.issuer.Verify(current); err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			observe.IncHeartbeat(CodeTokenExpired)
			g.protocolError(s, CodeTokenExpired, "token expired at "+current.ExpiresAt().UTC().Format(time.RFC3339))
			return
		}
		// 签名不符：令牌不是用当前签名密钥签发的
		observe.IncHeartbeat(CodeInvalidToken)
		g.protocolError(s, CodeInvalidToken, err.Error())
		return
	}

	next := g.issuer.Renew(current)
	s.mu.Lock()
	if s.state == StateClosed || s.token.PulseID != current.PulseID {
		// 并发心跳已换发，或会话已关闭
		s.mu.Unlock()
		observe.IncHeartbeat(CodeInvalidPulse)
		return
	}
	s.token = next
	s.lastSeen = now
	s.setStateLocked(StateHeartbeating)
	s.mu.Unlock()

	observe.IncHeartbeat("ok")
	g.send(s, heartbeatAckFrame{Type: TypeHeartbeatAck, NewToken: next})
}

func (g *Gateway) handlePacket(s *Session, f *codec.Frame) {
	var in packetFrame
	if err := f.Decode(&in); err != nil {
		g.protocolError(s, CodeInvalidPacket, err.Error())
		return
	}
	p := in.Packet
	if p.ID == "" {
		p.ID = g.bus.NewID()
	}
	// 发送方记为 remote:<identity>，Ack 和回复经出站队列回到对端
	p = p.WithFrom(packet.RemoteEndpoint(s.Identity())).
		WithMeta("identity", s.Identity()).
		WithMeta("session_id", s.id)
	if err := p.Validate(); err != nil {
		g.protocolError(s, CodeInvalidPacket, err.Error())
		return
	}
	if err := g.bus.Enqueue(p); err != nil {
		// 总线侧的问题不计入会话错误预算
		g.log.Warn("packet_enqueue_failed", zap.String("session", s.id), zap.String("packet", p.ID), zap.Error(err))
		g.send(s, errorFrame{Type: TypeError, Code: CodeBusUnavailable, Reason: err.Error()})
	}
}

func (g *Gateway) handleCommand(s *Session, f *codec.Frame) {
	var in commandFrame
	if err := f.Decode(&in); err != nil {
		g.protocolError(s, CodeDecodeError, err.Error())
		return
	}
	tok := s.Token()
	ctx := &command.Context{
		Host:   g,
		Caller: command.Caller{SessionID: s.id, Identity: tok.Identity, Tier: tok.Tier},
	}
	result, err := g.opts.Commands.Execute(ctx, in.Name, in.Args)
	if err != nil {
		code := CodeCommandFailed
		switch {
		case errors.Is(err, command.ErrNotFound):
			code = CodeUnknownCommand
		case errors.Is(err, command.ErrPermissionDenied):
			code = CodePermissionDenied
		}
		g.send(s, errorFrame{Type: TypeError, Code: code, Reason: err.Error()})
		return
	}
	g.send(s, commandResultFrame{Type: TypeCommandResult, Name: in.Name, Result: result})
}

// protocolError 回错误帧并计入错误预算，超出容忍度即驱逐
func (g *Gateway) protocolError(s *Session, code, reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.errors++
	errs := s.errors
	identity := s.identity
	s.mu.Unlock()

	g.send(s, errorFrame{Type: TypeError, Code: code, Reason: reason})
	if errs <= g.opts.ErrorTolerance {
		return
	}
	g.log.Warn("error_budget_eviction", zap.String("session", s.id), zap.String("identity", identity), zap.Int("errors", errs))
	g.record(audit.Event{Kind: audit.KindErrorBudgetEviction, Identity: identity, SessionID: s.id,
		Detail: map[string]any{"errors": errs, "last_code": code}})
	g.send(s, errorFrame{Type: TypeError, Code: CodeErrorBudget, Reason: fmt.Sprintf("%d errors exceed tolerance %d", errs, g.opts.ErrorTolerance)})
	g.closeSession(s, "error_budget", nil)
}

// closeSession 关闭会话并清理索引；重复调用无副作用
func (g *Gateway) closeSession(s *Session, reason string, detail map[string]any) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.setStateLocked(StateClosed)
	if s.timer != nil {
		s.timer.Stop()
	}
	identity := s.identity
	s.mu.Unlock()

	g.mu.Lock()
	delete(g.sessions, s.id)
	if prev.authed() {
		if set, ok := g.byIdentity[identity]; ok {
			delete(set, s.id)
			if len(set) == 0 {
				delete(g.byIdentity, identity)
			}
		}
	}
	g.mu.Unlock()
	if prev.authed() {
		g.releaseRemote(identity)
	}
	_ = s.conn.Close()

	observe.IncSessionClosed(reason)
	g.log.Info("session_closed", zap.String("session", s.id), zap.String("identity", identity), zap.String("reason", reason))
	if detail == nil {
		detail = map[string]any{}
	}
	detail["reason"] = reason
	detail["previous_state"] = prev.String()
	g.record(audit.Event{Kind: audit.KindSessionClosed, Identity: identity, SessionID: s.id, Detail: detail})
}

func (g *Gateway) identityCount(identity string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byIdentity[identity])
}

// acquireRemote 身份第一条连接认证后订阅 remote:<identity>，之前缓冲的包随之冲刷
func (g *Gateway) acquireRemote(identity string) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	if _, ok := g.remoteSubs[identity]; ok || g.identityCount(identity) == 0 {
		return
	}
	g.remoteSubs[identity] = g.bus.SubscribeRemote(identity)
}

func (g *Gateway) releaseRemote(identity string) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	sub, ok := g.remoteSubs[identity]
	if !ok || g.identityCount(identity) > 0 {
		return
	}
	g.bus.Unsubscribe(sub)
	delete(g.remoteSubs, identity)
}

// Sweep 关闭令牌过期或心跳超时的已认证会话，返回关闭数量
func (g *Gateway) Sweep(now time.Time) int {
	g.mu.RLock()
	list := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		list = append(list, s)
	}
	g.mu.RUnlock()

	closed := 0
	for _, s := range list {
		s.mu.Lock()
		authed := s.state.authed()
		expired := !s.token.Valid(now)
		idle := now.Sub(s.lastSeen)
		identity := s.identity
		s.mu.Unlock()
		if !authed || (!expired && idle <= g.opts.LivenessWindow) {
			continue
		}
		cause := "stale_heartbeat"
		if expired {
			cause = "token_expired"
		}
		g.send(s, errorFrame{Type: TypeError, Code: CodeSessionExpired, Reason: cause})
		g.record(audit.Event{Kind: audit.KindSessionExpired, Identity: identity, SessionID: s.id,
			Detail: map[string]any{"cause": cause, "idle_seconds": idle.Seconds()}})
		g.closeSession(s, "expired", map[string]any{"cause": cause})
		closed++
	}
	if closed > 0 {
		g.log.Info("liveness_sweep", zap.Int("closed", closed))
	}
	return closed
}

// Run 周期执行存活扫描直到 ctx 结束，然后关闭全部会话
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sweep(g.opts.Now())
		case <-ctx.Done():
			g.mu.RLock()
			list := make([]*Session, 0, len(g.sessions))
			for _, s := range g.sessions {
				list = append(list, s)
			}
			g.mu.RUnlock()
			for _, s := range list {
				g.closeSession(s, "shutdown", nil)
			}
			return nil
		}
	}
}

// Deliver 把出站包写给全部已认证会话，或指定身份的全部会话
func (g *Gateway) Deliver(_ context.Context, out bus.Outbound) error {
	g.mu.RLock()
	var targets []*Session
	if out.Identity == "" {
		for _, s := range g.sessions {
			targets = append(targets, s)
		}
	} else {
		for _, s := range g.byIdentity[out.Identity] {
			targets = append(targets, s)
		}
	}
	g.mu.RUnlock()

	frame := packetFrame{Type: TypePacket, Packet: out.Packet}
	var errs []error
	sent := 0
	for _, s := range targets {
		if !s.State().authed() {
			continue
		}
		if err := s.conn.Send(frame); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
			continue
		}
		sent++
	}
	if sent == 0 && len(errs) == 0 {
		return fmt.Errorf("%w: %s", ErrNoRecipients, packet.RemoteEndpoint(out.Identity))
	}
	return errors.Join(errs...)
}

// Status command.Host
func (g *Gateway) Status() any {
	return map[string]any{
		"bus":     g.bus.Status(),
		"gateway": g.Stats(),
	}
}

// SessionsInfo command.Host
func (g *Gateway) SessionsInfo() any { return g.Sessions() }

// Kick command.Host
func (g *Gateway) Kick(sessionID, reason string) error {
	s := g.session(sessionID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	g.send(s, errorFrame{Type: TypeError, Code: "kicked", Reason: reason})
	g.closeSession(s, "kicked", map[string]any{"detail": reason})
	return nil
}

// Announce command.Host：以事件形式广播给全部模块
func (g *Gateway) Announce(from, text string) bool {
	return g.bus.SendEvent("announcement", map[string]any{"from": from, "text": text}, "")
}

// Sessions 全部会话快照，按打开时间排序
func (g *Gateway) Sessions() []SessionInfo {
	g.mu.RLock()
	out := make([]SessionInfo, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s.Info())
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Identities 当前在线身份及其连接数
func (g *Gateway) Identities() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int, len(g.byIdentity))
	for id, set := range g.byIdentity {
		out[id] = len(set)
	}
	return out
}

type Stats struct {
	Sessions   int            `json:"sessions"`
	Identities int            `json:"identities"`
	ByState    map[string]int `json:"by_state"`
}

func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	list := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		list = append(list, s)
	}
	st := Stats{Sessions: len(list), Identities: len(g.byIdentity), ByState: map[string]int{}}
	g.mu.RUnlock()
	for _, s := range list {
		st.ByState[s.State().String()]++
	}
	return st
}

func (g *Gateway) rulesFor(tier auth.Tier, token auth.HeartbeatToken) Rules {
	var cmds []string
	for _, c := range g.opts.Commands.List() {
		if tier.AtLeast(c.MinTier) {
			cmds = append(cmds, c.Name)
		}
	}
	return Rules{
		AuthLevel:                tier.String(),
		HeartbeatIntervalSeconds: max(1, int(g.opts.LivenessWindow/time.Second)/3),
		LivenessWindowSeconds:    int(g.opts.LivenessWindow / time.Second),
		TokenTTLSeconds:          token.TTLSeconds,
		ErrorTolerance:           g.opts.ErrorTolerance,
		Commands:                 cmds,
	}
}

func (g *Gateway) send(s *Session, v any) {
	if err := s.conn.Send(v); err != nil {
		g.log.Debug("session_send_failed", zap.String("session", s.id), zap.Error(err))
	}
}

func (g *Gateway) record(e audit.Event) {
	if e.At.IsZero() {
		e.At = g.opts.Now()
	}
	e.NodeID = g.bus.NodeID()
	if err := g.opts.Recorder.Record(context.Background(), e); err != nil {
		g.log.Warn("audit_error", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
