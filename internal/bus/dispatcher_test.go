package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hongjun500/pulsebus/internal/packet"
)

type collector struct {
	mu  sync.Mutex
	got []packet.Packet
}

func (c *collector) handle(p packet.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, p)
	return nil
}

func (c *collector) packets() []packet.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]packet.Packet(nil), c.got...)
}

func (c *collector) ids() []string {
	var ids []string
	for _, p := range c.packets() {
		ids = append(ids, p.ID)
	}
	return ids
}

func newTestDispatcher(t *testing.T, maxBuffered int) *Dispatcher {
	return NewDispatcher(DispatcherOptions{MaxBuffered: maxBuffered, Logger: zaptest.NewLogger(t)})
}

func msg(id, to string) packet.Packet {
	return packet.New(id, "tester", to, packet.KindEvent, id)
}

func TestDispatchDeliversInSubscriptionOrder(t *testing.T) {
	d := newTestDispatcher(t, 0)
	var order []string
	d.Subscribe("svc", func(packet.Packet) error { order = append(order, "first"); return nil })
	d.Subscribe("svc", func(packet.Packet) error { order = append(order, "second"); return nil })

	require.True(t, d.Dispatch(msg("1", "svc")))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.EqualValues(t, 1, d.Stats().Processed)
}

func TestDispatchBuffersUntilSubscribed(t *testing.T) {
	d := newTestDispatcher(t, 0)
	for _, id := range []string{"1", "2", "3"} {
		require.False(t, d.Dispatch(msg(id, "late")))
	}
	st := d.Stats()
	assert.Equal(t, 3, st.Buffered)
	assert.Equal(t, 1, st.BufferedRecipients)

	c := &collector{}
	d.Subscribe("late", c.handle)
	assert.Equal(t, 3, d.FlushBuffer("late"))
	assert.Equal(t, []string{"1", "2", "3"}, c.ids())
	assert.Equal(t, 0, d.Stats().Buffered)
	assert.Empty(t, d.Buffered("late"))
	assert.Equal(t, 0, d.FlushBuffer("late"))
}

func TestFlushKeepsOrderAgainstConcurrentDispatch(t *testing.T) {
	d := newTestDispatcher(t, 0)
	for _, id := range []string{"p1", "p2", "p3"} {
		d.Dispatch(msg(id, "e"))
	}

	c := &collector{}
	var once sync.Once
	d.Subscribe("e", func(p packet.Packet) error {
		once.Do(func() {
			// 第一个回调期间，另一个 goroutine 向同一端点分发
			done := make(chan bool)
			go func() { done <- d.Dispatch(msg("p4", "e")) }()
			select {
			case ok := <-done:
				assert.True(t, ok)
			case <-time.After(time.Second):
				t.Errorf("concurrent dispatch blocked")
			}
		})
		return c.handle(p)
	})

	assert.Equal(t, 4, d.FlushBuffer("e"))
	assert.Equal(t, []string{"p1", "p2", "p3", "p4"}, c.ids())
	assert.Equal(t, 0, d.Stats().Buffered)

	require.True(t, d.Dispatch(msg("p5", "e")))
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, c.ids())
}

func TestDispatchBetweenSubscribeAndFlushWaitsItsTurn(t *testing.T) {
	d := newTestDispatcher(t, 0)
	d.Dispatch(msg("old", "e"))

	c := &collector{}
	d.Subscribe("e", c.handle)
	assert.True(t, d.Dispatch(msg("new", "e")))
	assert.Empty(t, c.ids())

	assert.Equal(t, 2, d.FlushBuffer("e"))
	assert.Equal(t, []string{"old", "new"}, c.ids())
}

func TestUnsubscribeBeforeFlushReleasesEndpoint(t *testing.T) {
	d := newTestDispatcher(t, 0)
	d.Dispatch(msg("old", "e"))
	sub := d.Subscribe("e", (&collector{}).handle)
	d.Unsubscribe(sub)

	c := &collector{}
	d.Subscribe("e", c.handle)
	assert.Equal(t, 1, d.FlushBuffer("e"))
	require.True(t, d.Dispatch(msg("next", "e")))
	assert.Equal(t, []string{"old", "next"}, c.ids())
}

func TestDispatchBufferDropsOldest(t *testing.T) {
	d := newTestDispatcher(t, 2)
	for _, id := range []string{"1", "2", "3", "4"} {
		d.Dispatch(msg(id, "slow"))
	}
	var ids []string
	for _, p := range d.Buffered("slow") {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"3", "4"}, ids)
	st := d.Stats()
	assert.EqualValues(t, 2, st.Dropped)
	assert.Equal(t, 2, st.Buffered)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	d := newTestDispatcher(t, 0)
	c := &collector{}
	sub := d.Subscribe("svc", c.handle)
	d.Unsubscribe(sub)
	d.Unsubscribe(sub)
	assert.False(t, d.HasSubscribers("svc"))
	assert.False(t, d.Dispatch(msg("1", "svc")))
	assert.Empty(t, c.packets())
}

func TestCallbackFailuresAreIsolated(t *testing.T) {
	d := newTestDispatcher(t, 0)
	c := &collector{}
	d.Subscribe("svc", func(packet.Packet) error { return errors.New("nope") })
	d.Subscribe("svc", func(packet.Packet) error { panic("kaboom") })
	d.Subscribe("svc", c.handle)

	require.True(t, d.Dispatch(msg("1", "svc")))
	assert.Len(t, c.packets(), 1)
	assert.EqualValues(t, 2, d.Stats().CallbackErrors)
}

func TestChunkedStreamAcksAndCompletes(t *testing.T) {
	var completed []packet.Packet
	d := NewDispatcher(DispatcherOptions{
		Logger:           zaptest.NewLogger(t),
		OnStreamComplete: func(p packet.Packet) { completed = append(completed, p) },
	})
	acks := &collector{}
	sink := &collector{}
	d.Subscribe("src", acks.handle)
	d.Subscribe("sink", sink.handle)

	require.True(t, d.Dispatch(chunk("s1", "c", 2, 3)))
	require.True(t, d.Dispatch(chunk("s1", "a", 0, 3)))
	assert.Equal(t, []int{1}, d.MissingChunks("s1"))
	assert.Empty(t, sink.packets())

	require.True(t, d.Dispatch(chunk("s1", "b", 1, 3)))

	got := sink.packets()
	require.Len(t, got, 1)
	whole := got[0]
	assert.Equal(t, "abc", whole.Payload)
	assert.Equal(t, "s1", whole.ID)
	assert.Equal(t, packet.KindStream, whole.Kind)
	assert.Equal(t, 1, whole.ChunkCount)
	assert.True(t, whole.IsFinal)
	assert.Equal(t, packet.StatusComplete, whole.Status)
	assert.Len(t, completed, 1)

	ackList := acks.packets()
	require.Len(t, ackList, 2)
	assert.Equal(t, "ack_s1_2", ackList[0].ID)
	assert.Equal(t, DispatcherID, ackList[0].From)
	assert.Equal(t, packet.KindAck, ackList[0].Kind)
	assert.Equal(t, map[string]any{"ackedChunk": 2, "streamId": "s1"}, ackList[0].Payload)

	st := d.Stats()
	assert.EqualValues(t, 1, st.StreamsCompleted)
	assert.Equal(t, 0, st.StreamsActive)
}

func TestMixedChunkPayloadsAreLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	d := NewDispatcher(DispatcherOptions{Logger: zap.New(core)})
	c := &collector{}
	d.Subscribe("sink", c.handle)

	d.Dispatch(chunk("s", "a", 0, 2).WithFrom(""))
	require.True(t, d.Dispatch(chunk("s", []byte("b"), 1, 2).WithFrom("")))

	require.Len(t, c.packets(), 1)
	assert.Equal(t, []any{"a", []byte("b")}, c.packets()[0].Payload)
	assert.Equal(t, 1, logs.FilterMessage("stream_payload_mixed").Len())
}

func TestChunkWithoutSenderIsNotAcked(t *testing.T) {
	d := newTestDispatcher(t, 0)
	p := chunk("s", "a", 0, 2).WithFrom("")
	assert.False(t, d.Dispatch(p))
	assert.Equal(t, 0, d.Stats().Buffered)
}

func TestChunkOutOfRangeRespondsWithError(t *testing.T) {
	d := newTestDispatcher(t, 0)
	replies := &collector{}
	d.Subscribe("src", replies.handle)

	d.Dispatch(chunk("s", "a", 0, 2))
	require.True(t, d.Dispatch(chunk("s", "z", 4, 5)))

	got := replies.packets()
	require.Len(t, got, 2)
	resp := got[1]
	assert.Equal(t, packet.KindResponse, resp.Kind)
	assert.Equal(t, packet.StatusError, resp.Status)
	payload := resp.Payload.(map[string]any)
	assert.Equal(t, "s", payload["packetId"])
	assert.Contains(t, payload["error"], "out of range")
	assert.EqualValues(t, 1, d.Stats().ProtocolErrors)
}

func TestHandlersMayDispatchReentrantly(t *testing.T) {
	d := newTestDispatcher(t, 0)
	c := &collector{}
	d.Subscribe("pong", c.handle)
	d.Subscribe("ping", func(p packet.Packet) error {
		d.Dispatch(msg("reply-"+p.ID, "pong"))
		return nil
	})

	done := make(chan struct{})
	go func() {
		d.Dispatch(msg("1", "ping"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("re-entrant dispatch deadlocked")
	}
	assert.Equal(t, []string{"reply-1"}, c.ids())
}

func TestEvictStreams(t *testing.T) {
	d := newTestDispatcher(t, 0)
	d.Dispatch(chunk("s", "a", 0, 2).WithFrom(""))
	ids := d.EvictStreams(time.Now().Add(time.Second))
	assert.Equal(t, []string{"s"}, ids)
	st := d.Stats()
	assert.Equal(t, 0, st.StreamsActive)
	assert.Equal(t, 1, st.StreamsEvicted)
}
