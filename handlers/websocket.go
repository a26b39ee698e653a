package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/karthikraju391/roomchat/auth"
	"github.com/karthikraju391/roomchat/config"
	"github.com/karthikraju391/roomchat/models"
)

var tracer = otel.Tracer("github.com/karthikraju391/roomchat/handlers")

const localPrincipal = "principal"

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
)

type eventHandler func(s *Session, ctx context.Context, data json.RawMessage)

// eventHandlers maps inbound event names to their handlers. Anything not
// listed here is dropped.
var eventHandlers = map[string]eventHandler{
	models.EventJoin:    (*Session).handleJoin,
	models.EventMessage: (*Session).handleMessage,
	models.EventTyping:  (*Session).handleTyping,
}

// Session is one websocket connection. Its principal is fixed at connect;
// its current room lives in the engine's membership index.
type Session struct {
	id     string
	conn   *websocket.Conn
	srv    *Server
	logger *slog.Logger

	state     sessionState
	principal auth.Principal

	mu     sync.Mutex
	closed bool
	send   chan models.Event
}

func newSession(conn *websocket.Conn, srv *Server) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		srv:    srv,
		logger: srv.Logger.With("component", "session", "session", id),
		send:   make(chan models.Event, config.SendBuffer),
	}
}

func (s *Session) ID() string { return s.id }

// Send queues evt for the writer without blocking. It reports false when the
// queue is full or the session is gone.
func (s *Session) Send(evt models.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- evt:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// authenticate moves the session into the connected state and greets the
// client.
func (s *Session) authenticate(p auth.Principal) {
	s.principal = p
	s.state = stateAuthenticated
	s.logger = s.logger.With("alias", p.Alias)
	s.emit(models.EventAuthOK, models.AuthOK{Username: p.Alias})
}

// emit sends an event to this session only.
func (s *Session) emit(name string, payload any) {
	evt, err := models.NewEvent(name, payload)
	if err != nil {
		s.logger.Error("Failed to encode event", "event", name, "error", err)
		return
	}
	if !s.Send(evt) {
		s.srv.Metrics.EventDropped()
		s.logger.Warn("Dropped private event", "event", name)
	}
}

func (s *Session) dispatch(ctx context.Context, evt models.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered from panic in event handler", "event", evt.Name, "panic", r)
		}
	}()

	if s.state != stateAuthenticated {
		return
	}
	handle, ok := eventHandlers[evt.Name]
	if !ok {
		s.logger.Debug("Ignoring unknown event", "event", evt.Name)
		return
	}

	ctx, span := tracer.Start(ctx, "ws "+evt.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("chat.session", s.id)),
	)
	defer span.End()
	handle(s, ctx, evt.Data)
}

func (s *Session) handleJoin(ctx context.Context, data json.RawMessage) {
	raw, ok := stringField(data, "room")
	if !ok {
		return
	}
	room := strings.TrimSpace(raw)
	if !s.srv.Registry.Has(room) {
		s.logger.Debug("Ignoring join for unknown room", "room", room)
		return
	}

	alias := s.principal.Alias
	prev := s.srv.Engine.Join(s, room)
	s.logger.Info("Joined room", "room", room, "previous", prev)
	s.emit(models.EventJoined, models.Joined{Room: room, Alias: alias})

	storeCtx, cancel := context.WithTimeout(ctx, s.srv.Config.StoreTimeout)
	history, err := s.srv.Store.Recent(storeCtx, room, config.HistoryOnJoin, 0)
	cancel()
	if err != nil {
		s.srv.Metrics.StoreError("recent")
		s.logger.Error("Failed to load history on join", "room", room, "error", err)
		s.emit(models.EventError, "Error joining room")
		return
	}
	if history == nil {
		history = []models.Message{}
	}
	s.emit(models.EventHistory, history)

	announce, err := models.NewEvent(models.EventMessage, models.JoinAnnouncement(alias, time.Now().UTC()))
	if err != nil {
		s.logger.Error("Failed to encode join announcement", "error", err)
		return
	}
	s.srv.Engine.Broadcast(ctx, room, announce)
}

func (s *Session) handleMessage(ctx context.Context, data json.RawMessage) {
	room, ok := s.srv.Engine.RoomOf(s.id)
	if !ok {
		return
	}
	raw, ok := stringField(data, "text")
	if !ok {
		return
	}
	text := models.CleanText(raw)
	if text == "" {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.srv.Config.StoreTimeout)
	msg, err := s.srv.Store.Insert(storeCtx, room, s.principal.Alias, text)
	cancel()
	if err != nil {
		s.srv.Metrics.StoreError("insert")
		s.logger.Error("Failed to persist message", "room", room, "error", err)
		s.emit(models.EventError, "Error sending message")
		return
	}

	evt, err := models.NewEvent(models.EventMessage, msg)
	if err != nil {
		s.logger.Error("Failed to encode message", "error", err)
		return
	}
	s.srv.Engine.Broadcast(ctx, room, evt)
	s.srv.Metrics.MessageSent(room)
}

// handleTyping ignores the room named in the payload and uses the live one.
func (s *Session) handleTyping(ctx context.Context, _ json.RawMessage) {
	room, ok := s.srv.Engine.RoomOf(s.id)
	if !ok {
		return
	}
	evt, err := models.NewEvent(models.EventTyping, models.Typing{Alias: s.principal.Alias})
	if err != nil {
		return
	}
	s.srv.Engine.BroadcastExcept(ctx, room, evt, s.id)
}

// stringField returns data[key] when data is a JSON object and the value is
// a JSON string.
func stringField(data json.RawMessage, key string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[key]
	if !ok || len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

// HandleRead reads frames and dispatches them one at a time until the
// connection fails or closes.
func (s *Session) HandleRead(ctx context.Context) {
	defer s.logger.Debug("Reader closed")
	s.conn.SetReadLimit(config.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(config.PongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Warn("WebSocket read error", "error", err)
			} else {
				s.logger.Debug("WebSocket closed", "error", err)
			}
			return
		}

		var evt models.Event
		if err := json.Unmarshal(frame, &evt); err != nil || evt.Name == "" {
			s.logger.Debug("Dropping malformed frame")
			continue
		}
		s.dispatch(ctx, evt)
	}
}

// HandleWrite drains the send queue to the socket and keeps the connection
// alive with pings. It returns when the queue is closed or a write fails.
func (s *Session) HandleWrite() {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		s.logger.Debug("Writer closed")
	}()

	for {
		select {
		case evt, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteJSON(evt); err != nil {
				s.logger.Warn("WebSocket write error", "error", err)
				s.conn.Close()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("WebSocket ping error", "error", err)
				s.conn.Close()
				return
			}
		}
	}
}

// HandleWebSocket runs an authenticated connection until it closes. The
// principal was stored in Locals by the upgrade gate.
func (srv *Server) HandleWebSocket(c *websocket.Conn) {
	s := newSession(c, srv)
	p, ok := c.Locals(localPrincipal).(auth.Principal)
	if !ok {
		s.logger.Error("Upgrade reached the socket without a principal")
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"))
		c.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.Metrics.SessionOpened()
	s.authenticate(p)
	s.logger.Info("Session connected", "subject", p.Subject)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.HandleWrite()
	}()

	defer func() {
		if room := srv.Engine.Leave(s); room != "" {
			s.logger.Info("Left room on disconnect", "room", room)
		}
		s.close()
		<-writerDone
		srv.Metrics.SessionClosed()
		s.logger.Info("Session disconnected")
	}()

	s.HandleRead(ctx)
}

// upgradeGate refuses anything that is not an authenticated websocket
// upgrade. The token comes from the token query parameter or a bearer
// header.
func (srv *Server) upgradeGate(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	token := c.Query("token")
	if token == "" {
		token = auth.BearerToken(c.Get(fiber.HeaderAuthorization))
	}
	p, err := srv.Verifier.Verify(c.UserContext(), token)
	if err != nil {
		srv.Metrics.AuthFailed("ws")
		srv.Logger.Info("Rejected websocket upgrade", "ip", c.IP(), "error", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}
	c.Locals(localPrincipal, p)
	return c.Next()
}
