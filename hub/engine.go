// Package hub routes room events to the sessions joined to each room, on
// this instance and, through an optional bus, on every other instance.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/karthikraju391/roomchat/bus"
	"github.com/karthikraju391/roomchat/metrics"
	"github.com/karthikraju391/roomchat/models"
)

const busTimeout = 5 * time.Second

// Member is a local recipient of room events. Send must not block; it
// reports false when the event could not be queued.
type Member interface {
	ID() string
	Send(evt models.Event) bool
}

// Engine keeps the room -> members index and fans events out. Membership
// is written only by the owning session (Join, Leave) and read by every
// broadcast.
type Engine struct {
	instanceID string
	bus        bus.Bus
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	rooms   map[string]map[string]Member
	members map[string]string

	subMu sync.Mutex
	subs  map[string]bus.Subscription
}

// New returns an engine. b may be nil, in which case broadcasts stay on
// this instance.
func New(instanceID string, b bus.Bus, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		instanceID: instanceID,
		bus:        b,
		logger:     logger.With("component", "hub"),
		metrics:    m,
		rooms:      make(map[string]map[string]Member),
		members:    make(map[string]string),
		subs:       make(map[string]bus.Subscription),
	}
}

// InstanceID identifies this engine on the bus.
func (e *Engine) InstanceID() string {
	return e.instanceID
}

// Join moves m into room. Leaving the previous room and entering the new one
// happen under one lock, so m is never a member of two rooms. It returns the
// room m left, or "".
func (e *Engine) Join(m Member, room string) string {
	id := m.ID()

	e.mu.Lock()
	prev := e.members[id]
	if prev != "" {
		e.removeLocked(prev, id)
	}
	set := e.rooms[room]
	if set == nil {
		set = make(map[string]Member)
		e.rooms[room] = set
	}
	set[id] = m
	e.members[id] = room
	prevCount, count := len(e.rooms[prev]), len(set)
	e.mu.Unlock()

	if prev != "" && prev != room {
		e.metrics.RoomMembers(prev, prevCount)
		e.syncSubscription(prev)
	}
	e.metrics.RoomMembers(room, count)
	e.syncSubscription(room)

	e.logger.Debug("Member joined room", "member", id, "room", room, "previous", prev)
	return prev
}

// Leave removes m from its room, if any, and returns that room.
func (e *Engine) Leave(m Member) string {
	id := m.ID()

	e.mu.Lock()
	room, ok := e.members[id]
	if !ok {
		e.mu.Unlock()
		return ""
	}
	e.removeLocked(room, id)
	delete(e.members, id)
	count := len(e.rooms[room])
	e.mu.Unlock()

	e.metrics.RoomMembers(room, count)
	e.syncSubscription(room)
	e.logger.Debug("Member left room", "member", id, "room", room)
	return room
}

func (e *Engine) removeLocked(room, id string) {
	if set, ok := e.rooms[room]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(e.rooms, room)
		}
	}
}

// RoomOf returns the room the member with id is joined to.
func (e *Engine) RoomOf(id string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	room, ok := e.members[id]
	return room, ok
}

// MemberCount returns the number of local members of room.
func (e *Engine) MemberCount(room string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rooms[room])
}

// Broadcast delivers evt to every member of room, on every instance.
func (e *Engine) Broadcast(ctx context.Context, room string, evt models.Event) {
	e.BroadcastExcept(ctx, room, evt, "")
}

// BroadcastExcept delivers evt to every member of room except the member
// with id exclude.
func (e *Engine) BroadcastExcept(ctx context.Context, room string, evt models.Event, exclude string) {
	e.deliverLocal(room, evt, exclude)

	if e.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, busTimeout)
	defer cancel()
	env := models.Envelope{Origin: e.instanceID, Room: room, Exclude: exclude, Event: evt}
	if err := e.bus.Publish(ctx, env); err != nil {
		e.metrics.BusError("publish")
		e.logger.Warn("Cross-instance publish failed; delivered locally only", "room", room, "event", evt.Name, "error", err)
	}
}

// snapshot copies the member set so delivery happens without the lock.
func (e *Engine) snapshot(room string) []Member {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := e.rooms[room]
	out := make([]Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	return out
}

func (e *Engine) deliverLocal(room string, evt models.Event, exclude string) int {
	delivered := 0
	for _, m := range e.snapshot(room) {
		if exclude != "" && m.ID() == exclude {
			continue
		}
		if !m.Send(evt) {
			e.metrics.EventDropped()
			e.logger.Warn("Dropped event for slow member", "member", m.ID(), "room", room, "event", evt.Name)
			continue
		}
		delivered++
	}
	return delivered
}

// handleRemote re-emits an envelope from another instance to local members.
// It never publishes, so envelopes cannot loop between instances.
func (e *Engine) handleRemote(env models.Envelope) {
	if env.Origin == e.instanceID {
		return
	}
	e.metrics.RemoteEvent()
	e.deliverLocal(env.Room, env.Event, env.Exclude)
}

// syncSubscription makes the bus subscription for room match local
// membership: subscribed while at least one local member is present.
func (e *Engine) syncSubscription(room string) {
	if e.bus == nil {
		return
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()

	want := e.MemberCount(room) > 0
	sub, have := e.subs[room]
	switch {
	case want && !have:
		ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
		defer cancel()
		s, err := e.bus.Subscribe(ctx, room, e.handleRemote)
		if err != nil {
			e.metrics.BusError("subscribe")
			e.logger.Warn("Cross-instance subscribe failed; room is local only", "room", room, "error", err)
			return
		}
		e.subs[room] = s
		e.logger.Info("Subscribed to room channel", "room", room)
	case !want && have:
		sub.Stop()
		delete(e.subs, room)
		e.logger.Info("Unsubscribed from room channel", "room", room)
	}
}

// Close stops every bus subscription. The bus itself is owned by the caller.
func (e *Engine) Close() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for room, sub := range e.subs {
		sub.Stop()
		delete(e.subs, room)
	}
}
