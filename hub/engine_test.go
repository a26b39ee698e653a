package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/roomchat/bus"
	"github.com/karthikraju391/roomchat/models"
)

type fakeMember struct {
	id     string
	mu     sync.Mutex
	events []models.Event
	full   bool
}

func newMember(id string) *fakeMember { return &fakeMember{id: id} }

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Send(evt models.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.events = append(m.events, evt)
	return true
}

func (m *fakeMember) received() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Event(nil), m.events...)
}

// broker is an in-process stand-in for NATS/Redis shared by several
// engines. Delivery is synchronous, which keeps assertions simple.
type broker struct {
	mu         sync.Mutex
	subs       map[string]map[int]bus.Handler
	next       int
	published  []models.Envelope
	publishErr error
	subErr     error
}

func newBroker() *broker { return &broker{subs: make(map[string]map[int]bus.Handler)} }

func (b *broker) Publish(_ context.Context, env models.Envelope) error {
	b.mu.Lock()
	if b.publishErr != nil {
		b.mu.Unlock()
		return b.publishErr
	}
	b.published = append(b.published, env)
	var handlers []bus.Handler
	for _, h := range b.subs[env.Room] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *broker) Subscribe(_ context.Context, room string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subErr != nil {
		return nil, b.subErr
	}
	if b.subs[room] == nil {
		b.subs[room] = make(map[int]bus.Handler)
	}
	b.next++
	id := b.next
	b.subs[room][id] = h
	return stopFunc(func() {
		b.mu.Lock()
		delete(b.subs[room], id)
		b.mu.Unlock()
	}), nil
}

func (b *broker) Close() error { return nil }

func (b *broker) subscribers(room string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[room])
}

type stopFunc func()

func (f stopFunc) Stop() { f() }

func textEvent(t *testing.T, text string) models.Event {
	t.Helper()
	evt, err := models.NewEvent(models.EventMessage, models.Message{Alias: "a", Text: text})
	require.NoError(t, err)
	return evt
}

func TestJoinIsExclusive(t *testing.T) {
	e := New("i1", nil, slog.Default(), nil)
	m := newMember("s1")

	assert.Equal(t, "", e.Join(m, "lobby"))
	assert.Equal(t, "lobby", e.Join(m, "tech"))
	assert.Equal(t, "tech", e.Join(m, "gaming"))

	room, ok := e.RoomOf("s1")
	require.True(t, ok)
	assert.Equal(t, "gaming", room)
	assert.Equal(t, 0, e.MemberCount("lobby"))
	assert.Equal(t, 0, e.MemberCount("tech"))
	assert.Equal(t, 1, e.MemberCount("gaming"))
}

func TestJoinExclusiveUnderConcurrency(t *testing.T) {
	e := New("i1", nil, slog.Default(), nil)
	rooms := []string{"lobby", "tech", "gaming"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		m := newMember(fmt.Sprintf("s%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Join(m, rooms[j%len(rooms)])
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, r := range rooms {
		total += e.MemberCount(r)
	}
	assert.Equal(t, 20, total, "every session is in exactly one room")
	for i := 0; i < 20; i++ {
		room, ok := e.RoomOf(fmt.Sprintf("s%d", i))
		require.True(t, ok)
		assert.Equal(t, rooms[99%len(rooms)], room)
	}
}

func TestLeave(t *testing.T) {
	e := New("i1", nil, slog.Default(), nil)
	m := newMember("s1")

	assert.Equal(t, "", e.Leave(m), "leaving without a room is a no-op")
	e.Join(m, "lobby")
	assert.Equal(t, "lobby", e.Leave(m))
	_, ok := e.RoomOf("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, e.MemberCount("lobby"))
}

func TestBroadcastScopes(t *testing.T) {
	e := New("i1", nil, slog.Default(), nil)
	a, b, c := newMember("a"), newMember("b"), newMember("c")
	e.Join(a, "lobby")
	e.Join(b, "lobby")
	e.Join(c, "tech")

	e.Broadcast(context.Background(), "lobby", textEvent(t, "hi"))
	assert.Len(t, a.received(), 1, "sender included")
	assert.Len(t, b.received(), 1)
	assert.Empty(t, c.received(), "other rooms excluded")

	typing, err := models.NewEvent(models.EventTyping, models.Typing{Alias: "a"})
	require.NoError(t, err)
	e.BroadcastExcept(context.Background(), "lobby", typing, "a")
	assert.Len(t, a.received(), 1, "typing is not echoed to its sender")
	require.Len(t, b.received(), 2)
	assert.Equal(t, models.EventTyping, b.received()[1].Name)
	assert.Empty(t, c.received())
}

func TestBroadcastSkipsFullMembers(t *testing.T) {
	e := New("i1", nil, slog.Default(), nil)
	slow, ok := newMember("slow"), newMember("ok")
	slow.full = true
	e.Join(slow, "lobby")
	e.Join(ok, "lobby")

	e.Broadcast(context.Background(), "lobby", textEvent(t, "hi"))
	assert.Empty(t, slow.received())
	assert.Len(t, ok.received(), 1)
}

func TestCrossInstanceFanOut(t *testing.T) {
	br := newBroker()
	e1 := New("i1", br, slog.Default(), nil)
	e2 := New("i2", br, slog.Default(), nil)
	e3 := New("i3", br, slog.Default(), nil)

	a := newMember("a")
	b := newMember("b")
	c := newMember("c")
	outsider := newMember("x")
	e1.Join(a, "lobby")
	e2.Join(b, "lobby")
	e3.Join(c, "tech")
	e3.Join(outsider, "gaming")

	e1.Broadcast(context.Background(), "lobby", textEvent(t, "hello"))

	assert.Len(t, a.received(), 1, "origin delivers locally exactly once")
	assert.Len(t, b.received(), 1, "remote members receive it")
	assert.Empty(t, c.received())
	assert.Empty(t, outsider.received())
	assert.Len(t, br.published, 1, "remote delivery is never re-published")
}

func TestCrossInstanceTypingExclusion(t *testing.T) {
	br := newBroker()
	e1 := New("i1", br, slog.Default(), nil)
	e2 := New("i2", br, slog.Default(), nil)
	a, a2, b := newMember("a"), newMember("a2"), newMember("b")
	e1.Join(a, "lobby")
	e1.Join(a2, "lobby")
	e2.Join(b, "lobby")

	typing, err := models.NewEvent(models.EventTyping, models.Typing{Alias: "alice"})
	require.NoError(t, err)
	e1.BroadcastExcept(context.Background(), "lobby", typing, "a")

	assert.Empty(t, a.received())
	assert.Len(t, a2.received(), 1)
	assert.Len(t, b.received(), 1)
}

func TestSubscriptionFollowsLocalMembership(t *testing.T) {
	br := newBroker()
	e := New("i1", br, slog.Default(), nil)
	a, b := newMember("a"), newMember("b")

	e.Join(a, "lobby")
	assert.Equal(t, 1, br.subscribers("lobby"))
	e.Join(b, "lobby")
	assert.Equal(t, 1, br.subscribers("lobby"), "one subscription per room")

	e.Join(a, "tech")
	assert.Equal(t, 1, br.subscribers("lobby"))
	assert.Equal(t, 1, br.subscribers("tech"))

	e.Leave(b)
	assert.Equal(t, 0, br.subscribers("lobby"), "last local member gone")

	e.Close()
	assert.Equal(t, 0, br.subscribers("tech"))
}

func TestBusFailuresDegradeToLocal(t *testing.T) {
	br := newBroker()
	br.subErr = errors.New("no route")
	br.publishErr = errors.New("no route")
	e := New("i1", br, slog.Default(), nil)
	a := newMember("a")

	e.Join(a, "lobby")
	assert.Equal(t, 1, e.MemberCount("lobby"))

	e.Broadcast(context.Background(), "lobby", textEvent(t, "still works"))
	assert.Len(t, a.received(), 1)

	// A later join retries the subscription once the bus recovers.
	br.mu.Lock()
	br.subErr = nil
	br.mu.Unlock()
	e.Join(newMember("b"), "lobby")
	assert.Equal(t, 1, br.subscribers("lobby"))
}

func TestHandleRemoteDropsOwnEnvelopes(t *testing.T) {
	e := New("i1", nil, slog.Default(), nil)
	a := newMember("a")
	e.Join(a, "lobby")

	e.handleRemote(models.Envelope{Origin: "i1", Room: "lobby", Event: textEvent(t, "echo")})
	assert.Empty(t, a.received())

	e.handleRemote(models.Envelope{Origin: "i2", Room: "lobby", Event: textEvent(t, "remote")})
	assert.Len(t, a.received(), 1)
}
