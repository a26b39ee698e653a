package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/url"
	"testing"
	"time"

	wsclient "github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/roomchat/auth"
	"github.com/karthikraju391/roomchat/bus"
	"github.com/karthikraju391/roomchat/config"
	"github.com/karthikraju391/roomchat/hub"
	"github.com/karthikraju391/roomchat/metrics"
	"github.com/karthikraju391/roomchat/models"
	"github.com/karthikraju391/roomchat/rooms"
	"github.com/karthikraju391/roomchat/store"
)

var testRooms = []string{"lobby", "tech", "gaming"}

// fakeVerifier accepts a token equal to a known alias.
type fakeVerifier map[string]auth.Principal

func newFakeVerifier(aliases ...string) fakeVerifier {
	v := fakeVerifier{}
	for _, a := range aliases {
		v[a] = auth.Principal{Subject: "sub-" + a, Alias: a}
	}
	return v
}

func (v fakeVerifier) Verify(_ context.Context, token string) (auth.Principal, error) {
	p, ok := v[token]
	if !ok {
		return auth.Principal{}, auth.ErrUnauthorized
	}
	return p, nil
}

// flakyStore wraps a real store and fails the operations it is told to.
type flakyStore struct {
	store.HistoryStore
	insertErr error
	recentErr error
	pingErr   error
}

func (f *flakyStore) Insert(ctx context.Context, room, alias, text string) (models.Message, error) {
	if f.insertErr != nil {
		return models.Message{}, f.insertErr
	}
	return f.HistoryStore.Insert(ctx, room, alias, text)
}

func (f *flakyStore) Recent(ctx context.Context, room string, limit, offset int) ([]models.Message, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.HistoryStore.Recent(ctx, room, limit, offset)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.HistoryStore.Ping(ctx)
}

type serverOption func(*Server)

func withBus(b bus.Bus) serverOption {
	return func(s *Server) {
		s.Engine = hub.New(uuid.NewString(), b, s.Logger, s.Metrics)
	}
}

func withStore(st store.HistoryStore) serverOption {
	return func(s *Server) { s.Store = st }
}

func newServer(t *testing.T, opts ...serverOption) *Server {
	t.Helper()
	reg, err := rooms.New(testRooms)
	require.NoError(t, err)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	srv := &Server{
		Config: &config.Config{
			Rooms:        testRooms,
			Region:       "us-east-1",
			UserPoolID:   "us-east-1_pool",
			ClientID:     "client-id",
			StoreTimeout: time.Second,
		},
		Registry: reg,
		Store:    store.NewMemory(reg),
		Verifier: newFakeVerifier("alice", "bob", "carol", "dave"),
		Metrics:  m,
		Gatherer: promReg,
		Logger:   slog.Default(),
	}
	srv.Engine = hub.New(uuid.NewString(), nil, srv.Logger, m)
	for _, opt := range opts {
		opt(srv)
	}
	t.Cleanup(srv.Engine.Close)
	return srv
}

// serve runs the app on a loopback listener and returns host:port.
func serve(t *testing.T, srv *Server) string {
	t.Helper()
	app := NewApp(srv)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.ShutdownWithTimeout(2 * time.Second) })
	return ln.Addr().String()
}

type wsClient struct {
	t    *testing.T
	conn *wsclient.Conn
}

// connect dials /ws with token and consumes the auth_ok greeting.
func connect(t *testing.T, addr, token string) *wsClient {
	t.Helper()
	conn, _, err := wsclient.DefaultDialer.Dial("ws://"+addr+"/ws?token="+url.QueryEscape(token), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{t: t, conn: conn}
	ok := decode[models.AuthOK](t, c.expect(models.EventAuthOK))
	require.Equal(t, token, ok.Username)
	return c
}

func (c *wsClient) emit(name string, data any) {
	c.t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(models.Event{Name: name, Data: payload}))
}

func (c *wsClient) raw(frame string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(wsclient.TextMessage, []byte(frame)))
}

func (c *wsClient) next() models.Event {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var evt models.Event
	require.NoError(c.t, c.conn.ReadJSON(&evt))
	return evt
}

func (c *wsClient) expect(name string) models.Event {
	c.t.Helper()
	evt := c.next()
	require.Equal(c.t, name, evt.Name, "unexpected %s event: %s", evt.Name, evt.Data)
	return evt
}

// join runs the whole join exchange and returns the history it delivered.
func (c *wsClient) join(room string) []models.Message {
	c.t.Helper()
	c.emit(models.EventJoin, map[string]any{"room": room})
	joined := decode[models.Joined](c.t, c.expect(models.EventJoined))
	require.Equal(c.t, room, joined.Room)
	history := decode[[]models.Message](c.t, c.expect(models.EventHistory))
	announce := decode[models.Message](c.t, c.expect(models.EventMessage))
	require.Equal(c.t, models.SystemAlias, announce.Alias)
	return history
}

func (c *wsClient) say(text string) {
	c.t.Helper()
	c.emit(models.EventMessage, map[string]any{"text": text})
}

func decode[T any](t *testing.T, evt models.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(evt.Data, &v), "payload: %s", evt.Data)
	return v
}
