package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/hongjun500/pulsebus/internal/audit"
	"github.com/hongjun500/pulsebus/internal/auth"
	"github.com/hongjun500/pulsebus/internal/bus"
	"github.com/hongjun500/pulsebus/internal/codec"
	"github.com/hongjun500/pulsebus/internal/packet"
	"github.com/hongjun500/pulsebus/internal/subscriber"
	"github.com/hongjun500/pulsebus/internal/transport"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []map[string]any
	closed bool
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "test:" + c.id }

func (c *fakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrSessionClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.frames = append(c.frames, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func (c *fakeConn) ofType(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type auditLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditLog) Record(_ context.Context, e audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *auditLog) kinds() []audit.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Kind
	for _, e := range a.events {
		out = append(out, e.Kind)
	}
	return out
}

type harness struct {
	t     *testing.T
	bus   *bus.Bus
	gw    *Gateway
	clock *testClock
	audit *auditLog
}

var secrets = map[string]string{"A": "a-secret", "lo": "lo-secret", "root": "root-secret"}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	rec := &auditLog{}
	b := bus.New(bus.WithLogger(log), bus.WithNodeID("gw-test"))
	opts := Options{
		SigningKey:     "gateway-key",
		ErrorTolerance: 3,
		Directory: auth.NewDirectory(
			auth.Identity{Name: "A", Secret: secrets["A"], MaxTier: auth.TierGuest},
			auth.Identity{Name: "lo", Secret: secrets["lo"], MaxTier: auth.TierLocal},
			auth.Identity{Name: "root", Secret: secrets["root"], MaxTier: auth.TierDivine},
		),
		Recorder: rec,
		Logger:   log,
		Now:      clk.Now,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h := &harness{t: t, bus: b, gw: New(b, opts), clock: clk, audit: rec}
	t.Cleanup(func() {
		// 关闭剩余会话，停止凭证计时器
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = h.gw.Run(ctx)
	})
	return h
}

// runBus 启动总线消费，测试结束前停止并等待退出
func (h *harness) runBus() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bus.Run(ctx, h.gw) }()
	h.t.Cleanup(func() {
		cancel()
		<-done
	})
}

func frameOf(t *testing.T, v any) *codec.Frame {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	f, err := codec.FrameFromJSON(data)
	require.NoError(t, err)
	return f
}

// open 建立连接并返回挑战里的 nonce
func (h *harness) open(id string) (*fakeConn, string) {
	c := &fakeConn{id: id}
	h.gw.OnSessionOpen(c)
	ch := c.last()
	require.Equal(h.t, TypeAuthChallenge, ch["type"])
	require.NotEmpty(h.t, ch["nonce"])
	return c, ch["nonce"].(string)
}

func (h *harness) credential(c *fakeConn, nonce, identity, level string) {
	cred := auth.Credential{Identity: identity, AuthLevel: level, Purpose: "testing"}
	if secret, ok := secrets[identity]; ok {
		cred = auth.SignCredential(cred, secret, nonce)
	}
	msg := map[string]any{
		"type":      TypeAuthResponse,
		"identity":  cred.Identity,
		"authLevel": cred.AuthLevel,
		"purpose":   cred.Purpose,
		"signature": cred.Signature,
	}
	h.gw.OnFrame(c, frameOf(h.t, msg))
}

// login 完成认证，返回连接与当前 pulseId
func (h *harness) login(id, identity, level string) (*fakeConn, string) {
	c, nonce := h.open(id)
	h.credential(c, nonce, identity, level)
	ok := c.last()
	require.Equal(h.t, TypeAuthSuccess, ok["type"], "frame: %v", ok)
	return c, ok["token"].(map[string]any)["pulseId"].(string)
}

func TestGuestAuthAndHeartbeatRenewal(t *testing.T) {
	h := newHarness(t)
	c, nonce := h.open("c1")
	ch := c.last()
	assert.Equal(t, []any{"identity", "authLevel", "purpose"}, ch["requiredFields"])
	assert.EqualValues(t, 10, ch["timeoutSeconds"])

	h.credential(c, nonce, "A", "guest")
	success := c.last()
	require.Equal(t, TypeAuthSuccess, success["type"])
	assert.Equal(t, "c1", success["sessionId"])
	token := success["token"].(map[string]any)
	assert.Greater(t, token["ttlSeconds"].(float64), 0.0)
	assert.Equal(t, "guest", token["authLevel"])
	rules := success["rules"].(map[string]any)
	assert.EqualValues(t, 3, rules["errorTolerance"])

	pulse := token["pulseId"].(string)
	h.clock.Advance(5 * time.Second)
	h.gw.OnFrame(c, frameOf(t, map[string]any{"type": TypeHeartbeat, "pulseId": pulse}))
	ack := c.last()
	require.Equal(t, TypeHeartbeatAck, ack["type"])
	next := ack["newToken"].(map[string]any)
	assert.NotEqual(t, pulse, next["pulseId"])
	assert.EqualValues(t, h.clock.Now().Unix(), next["issuedAt"])

	s := h.gw.session("c1")
	require.NotNil(t, s)
	assert.Equal(t, StateHeartbeating, s.State())
	assert.Contains(t, h.audit.kinds(), audit.KindSessionAuthenticated)
	assert.Equal(t, map[string]int{"A": 1}, h.gw.Identities())
}

func TestCredentialFailures(t *testing.T) {
	cases := []struct {
		name, identity, level, code string
		retry                       bool
	}{
		{"missing identity", "", "guest", auth.CodeMissingField, true},
		{"unknown tier", "A", "cosmic", auth.CodeUnknownTier, true},
		{"tier not permitted", "A", "local", auth.CodeTierNotPermitted, false},
		{"unregistered local", "nobody", "local", auth.CodeUnknownIdentity, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			c, nonce := h.open("c1")
			h.credential(c, nonce, tc.identity, tc.level)
			fail := c.last()
			require.Equal(t, TypeAuthFailure, fail["type"])
			assert.Equal(t, tc.code, fail["code"])
			assert.Equal(t, tc.retry, fail["retryAllowed"])
			assert.True(t, c.isClosed())
			assert.Nil(t, h.gw.session("c1"))
			assert.Equal(t, []audit.Kind{audit.KindAuthFailed, audit.KindSessionClosed}, h.audit.kinds())
		})
	}
}

func TestSignatureBoundToChallenge(t *testing.T) {
	h := newHarness(t)
	c, _ := h.open("c1")
	h.credential(c, "some-other-nonce", "root", "divine")
	fail := c.last()
	assert.Equal(t, TypeAuthFailure, fail["type"])
	assert.Equal(t, auth.CodeBadSignature, fail["code"])
}

func TestUntypedCredentialFrame(t *testing.T) {
	h := newHarness(t)
	c, _ := h.open("c1")
	h.gw.OnFrame(c, frameOf(t, map[string]any{"identity": "visitor", "authLevel": "guest", "purpose": "monitoring"}))
	assert.Equal(t, TypeAuthSuccess, c.last()["type"])

	// 认证之后无类型的帧属于协议错误
	h.gw.OnFrame(c, frameOf(t, map[string]any{"identity": "visitor"}))
	assert.Equal(t, CodeUnknownType, c.last()["code"])
}

func TestInvalidPulseKeepsSessionOpen(t *testing.T) {
	h := newHarness(t)
	c, pulse := h.login("c1", "A", "guest")

	h.gw.OnFrame(c, frameOf(t, map[string]any{"type": TypeHeartbeat, "pulseId": "bogus"}))
	errFrame := c.last()
	assert.Equal(t, TypeError, errFrame["type"])
	assert.Equal(t, CodeInvalidPulse, errFrame["code"])
	assert.False(t, c.isClosed())
	assert.Equal(t, pulse, h.gw.session("c1").Token().PulseID)
	assert.Equal(t, StateAuthenticated, h.gw.session("c1").State())
}

func TestExpiredTokenHeartbeat(t *testing.T) {
	h := newHarness(t)
	c, pulse := h.login("c1", "A", "guest")
	h.clock.Advance(5 * time.Minute)
	h.gw.OnFrame(c, frameOf(t, map[string]any{"type": TypeHeartbeat, "pulseId": pulse}))
	assert.Equal(t, CodeTokenExpired, c.last()["code"])
}

func TestHeartbeatRejectsForeignSignature(t *testing.T) {
	h := newHarness(t)
	c, pulse := h.login("c1", "A", "guest")
	s := h.gw.session("c1")
	s.mu.Lock()
	s.token.Signature = auth.Sign("other-key", "A")
	s.mu.Unlock()

	h.gw.OnFrame(c, frameOf(t, map[string]any{"type": TypeHeartbeat, "pulseId": pulse}))
	assert.Equal(t, CodeInvalidToken, c.last()["code"])
	assert.Empty(t, c.ofType(TypeHeartbeatAck))
	assert.False(t, c.isClosed())
}

func TestCredentialClockSkew(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxSkew = 30 * time.Second })
	send := func(id string, issuedAt time.Time) map[string]any {
		c, nonce := h.open(id)
		cred := auth.SignCredential(auth.Credential{
			Identity:   "A",
			AuthLevel:  "guest",
			Purpose:    "testing",
			IssuedAt:   issuedAt.Unix(),
			TTLSeconds: 60,
		}, secrets["A"], nonce)
		h.gw.OnFrame(c, frameOf(t, map[string]any{
			"type":       TypeAuthResponse,
			"identity":   cred.Identity,
			"authLevel":  cred.AuthLevel,
			"purpose":    cred.Purpose,
			"issuedAt":   cred.IssuedAt,
			"ttlSeconds": cred.TTLSeconds,
			"signature":  cred.Signature,
		}))
		return c.last()
	}

	stale := send("old", h.clock.Now().Add(-5*time.Minute))
	require.Equal(t, TypeAuthFailure, stale["type"])
	assert.Equal(t, auth.CodeInvalidField, stale["code"])

	fresh := send("new", h.clock.Now().Add(-10*time.Second))
	assert.Equal(t, TypeAuthSuccess, fresh["type"], "frame: %v", fresh)
}

func TestErrorBudgetEviction(t *testing.T) {
	h := newHarness(t)
	c, _ := h.login("c1", "A", "guest")
	for i := 0; i < 3; i++ {
		h.gw.OnFrame(c, frameOf(t, map[string]any{"type": "bogus"}))
		require.False(t, c.isClosed(), "closed after %d errors", i+1)
	}
	h.gw.OnDecodeError(c, assert.AnError)
	assert.True(t, c.isClosed())
	assert.Equal(t, CodeErrorBudget, c.last()["code"])
	assert.Contains(t, h.audit.kinds(), audit.KindErrorBudgetEviction)
	assert.Empty(t, h.gw.Identities())
}

func TestFramesBeforeAuthentication(t *testing.T) {
	h := newHarness(t)
	c, _ := h.open("c1")
	h.gw.OnFrame(c, frameOf(t, map[string]any{"type": TypeHeartbeat, "pulseId": "x"}))
	assert.Equal(t, CodeNotAuthenticated, c.last()["code"])
	assert.Equal(t, StateAwaitingCredential, h.gw.session("c1").State())
}

func TestRateLimitCountsAsError(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.RatePerSecond = 0.001
		o.RateBurst = 1
	})
	c, _ := h.open("c1")
	h.gw.OnFrame(c, frameOf(t, map[string]any{"identity": "v", "authLevel": "guest", "purpose": "testing"}))
	require.Equal(t, TypeAuthSuccess, c.last()["type"])
	h.gw.OnFrame(c, frameOf(t, map[string]any{"type": TypeCommand, "name": "status"}))
	assert.Equal(t, CodeRateLimited, c.last()["code"])
}

func TestCredentialTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.CredentialTimeout = 20 * time.Millisecond })
	c, _ := h.open("c1")
	require.Eventually(t, func() bool {
		kinds := h.audit.kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == audit.KindSessionClosed
	}, time.Second, 5*time.Millisecond)
	assert.True(t, c.isClosed())
	fail := c.ofType(TypeAuthFailure)
	require.Len(t, fail, 1)
	assert.Equal(t, CodeTimeout, fail[0]["code"])
}

func TestLivenessSweep(t *testing.T) {
	h := newHarness(t)
	stale, _ := h.login("stale", "A", "guest")
	h.clock.Advance(20 * time.Second)
	fresh, pulse := h.login("fresh", "lo", "local")
	assert.Equal(t, 0, h.gw.Sweep(h.clock.Now()))

	h.clock.Advance(15 * time.Second)
	h.gw.OnFrame(fresh, frameOf(t, map[string]any{"type": TypeHeartbeat, "pulseId": pulse}))
	require.Equal(t, TypeHeartbeatAck, fresh.last()["type"])

	assert.Equal(t, 1, h.gw.Sweep(h.clock.Now()))
	assert.True(t, stale.isClosed())
	assert.False(t, fresh.isClosed())
	assert.Contains(t, h.audit.kinds(), audit.KindSessionExpired)

	// 令牌过期同样会被扫描关闭
	h.clock.Advance(16 * time.Minute)
	assert.Equal(t, 1, h.gw.Sweep(h.clock.Now()))
	assert.Empty(t, h.gw.Sessions())
}

func TestPacketRelayIntoBus(t *testing.T) {
	h := newHarness(t)
	got := make(chan packet.Packet, 1)
	h.bus.Subscribe("svc", func(p packet.Packet) error {
		got <- p
		return nil
	})
	h.runBus()

	c, _ := h.login("c1", "A", "guest")
	h.gw.OnFrame(c, frameOf(t, map[string]any{
		"type":   TypePacket,
		"packet": map[string]any{"id": "p1", "from": "spoofed", "to": "svc", "kind": "event", "payload": "hi"},
	}))

	select {
	case p := <-got:
		assert.Equal(t, "remote:A", p.From)
		assert.Equal(t, "A", p.Meta("identity"))
		assert.Equal(t, "c1", p.Meta("session_id"))
		assert.Equal(t, "hi", p.Payload)
	case <-time.After(2 * time.Second):
		t.Fatalf("packet not relayed")
	}

	h.gw.OnFrame(c, frameOf(t, map[string]any{"type": TypePacket, "packet": map[string]any{"id": "p2", "to": "svc", "kind": "telepathy"}}))
	assert.Equal(t, CodeInvalidPacket, c.last()["code"])
}

func TestChunkAckReachesSender(t *testing.T) {
	h := newHarness(t)
	h.runBus()

	c, _ := h.login("c1", "A", "guest")
	h.gw.OnFrame(c, frameOf(t, map[string]any{
		"type":   TypePacket,
		"packet": map[string]any{"id": "s1", "to": "svc", "kind": "event", "payload": "he", "chunk_index": 0, "chunk_count": 2},
	}))

	require.Eventually(t, func() bool { return len(c.ofType(TypePacket)) == 1 }, time.Second, 5*time.Millisecond)
	ack := c.ofType(TypePacket)[0]["packet"].(map[string]any)
	assert.Equal(t, "ack_s1_0", ack["id"])
	assert.Equal(t, "ack", ack["kind"])
	assert.Equal(t, "remote:A", ack["to"])
	assert.Zero(t, h.bus.Status().Dispatcher.Buffered)
}

func TestSystemReplyReachesSender(t *testing.T) {
	h := newHarness(t)
	subscriber.RegisterAll(h.bus)
	h.runBus()

	c, _ := h.login("c1", "A", "guest")
	h.gw.OnFrame(c, frameOf(t, map[string]any{
		"type":   TypePacket,
		"packet": map[string]any{"id": "q1", "to": subscriber.SystemEndpoint, "kind": "command"},
	}))

	require.Eventually(t, func() bool { return len(c.ofType(TypePacket)) == 1 }, time.Second, 5*time.Millisecond)
	reply := c.ofType(TypePacket)[0]["packet"].(map[string]any)
	assert.Equal(t, subscriber.SystemEndpoint, reply["from"])
	assert.Equal(t, "q1", reply["metadata"].(map[string]any)["reply_to"])
}

func TestOutboundDelivery(t *testing.T) {
	h := newHarness(t)
	h.runBus()

	// A 尚未连接，定向包先缓冲在 remote:A
	h.bus.Send(packet.New("early", "svc", packet.RemoteEndpoint("A"), packet.KindEvent, "queued"))

	a, _ := h.login("a", "A", "guest")
	root, _ := h.login("r", "root", "divine")
	require.Eventually(t, func() bool { return len(a.ofType(TypePacket)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "early", a.ofType(TypePacket)[0]["packet"].(map[string]any)["id"])

	h.bus.Send(packet.New("all", "svc", packet.Remote, packet.KindEvent, nil))
	require.Eventually(t, func() bool {
		return len(a.ofType(TypePacket)) == 2 && len(root.ofType(TypePacket)) == 1
	}, time.Second, 5*time.Millisecond)

	h.bus.Send(packet.New("just-root", "svc", packet.RemoteEndpoint("root"), packet.KindEvent, nil))
	require.Eventually(t, func() bool { return len(root.ofType(TypePacket)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, a.ofType(TypePacket), 2)

	h.gw.OnSessionClose(a, nil)
	assert.False(t, h.bus.Dispatcher().HasSubscribers(packet.RemoteEndpoint("A")))
	assert.True(t, h.bus.Dispatcher().HasSubscribers(packet.RemoteEndpoint("root")))
}

func TestCommands(t *testing.T) {
	h := newHarness(t)
	guest, _ := h.login("g", "A", "guest")
	root, _ := h.login("r", "root", "divine")

	h.gw.OnFrame(guest, frameOf(t, map[string]any{"type": TypeCommand, "name": "sessions"}))
	assert.Equal(t, CodePermissionDenied, guest.last()["code"])

	h.gw.OnFrame(guest, frameOf(t, map[string]any{"type": TypeCommand, "name": "status"}))
	res := guest.last()
	require.Equal(t, TypeCommandResult, res["type"])
	gwStats := res["result"].(map[string]any)["gateway"].(map[string]any)
	assert.EqualValues(t, 2, gwStats["sessions"])

	h.gw.OnFrame(root, frameOf(t, map[string]any{"type": TypeCommand, "name": "sessions"}))
	list := root.last()["result"].([]any)
	assert.Len(t, list, 2)

	h.gw.OnFrame(root, frameOf(t, map[string]any{"type": TypeCommand, "name": "kick", "args": []string{"g", "spam"}}))
	assert.Equal(t, TypeCommandResult, root.last()["type"])
	assert.True(t, guest.isClosed())

	h.gw.OnFrame(root, frameOf(t, map[string]any{"type": TypeCommand, "name": "kick", "args": []string{"g"}}))
	assert.Equal(t, CodeCommandFailed, root.last()["code"])

	h.gw.OnFrame(root, frameOf(t, map[string]any{"type": TypeCommand, "name": "teleport"}))
	assert.Equal(t, CodeUnknownCommand, root.last()["code"])
}

func TestRunClosesSessionsOnShutdown(t *testing.T) {
	h := newHarness(t)
	c, _ := h.login("c1", "A", "guest")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.gw.Run(ctx))
	assert.True(t, c.isClosed())
	assert.Zero(t, h.gw.Stats().Sessions)
}
