package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/roomchat/models"
)

// runNATSServer starts an embedded JetStream-enabled server for the test.
func runNATSServer(t *testing.T) string {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(ns.Shutdown)
	return ns.ClientURL()
}

var testOpts = Options{SubjectPrefix: "chat", StreamName: "CHAT_ROOMS_TEST", ClientName: "test"}

func newNATS(t *testing.T, url string) *NATS {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := NewNATS(ctx, url, testOpts, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type collector struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (c *collector) handle(env models.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) snapshot() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Envelope(nil), c.envs...)
}

func envelope(t *testing.T, origin, room, text string) models.Envelope {
	t.Helper()
	evt, err := models.NewEvent(models.EventMessage, models.Message{Alias: "a", Text: text})
	require.NoError(t, err)
	return models.Envelope{Origin: origin, Room: room, Event: evt}
}

func TestNATSRelaysBetweenInstances(t *testing.T) {
	url := runNATSServer(t)
	a := newNATS(t, url)
	b := newNATS(t, url)

	var lobby, tech collector
	subLobby, err := b.Subscribe(context.Background(), "lobby", lobby.handle)
	require.NoError(t, err)
	defer subLobby.Stop()
	subTech, err := b.Subscribe(context.Background(), "tech", tech.handle)
	require.NoError(t, err)
	defer subTech.Stop()

	require.NoError(t, a.Publish(context.Background(), envelope(t, "instance-a", "lobby", "hello")))

	require.Eventually(t, func() bool { return len(lobby.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	got := lobby.snapshot()[0]
	assert.Equal(t, "instance-a", got.Origin)
	assert.Equal(t, "lobby", got.Room)
	assert.Equal(t, models.EventMessage, got.Event.Name)
	assert.JSONEq(t, `{"alias":"a","message":"hello","created_at":"0001-01-01T00:00:00Z"}`, string(got.Event.Data))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, tech.snapshot(), "other rooms see nothing")
}

func TestNATSPreservesPublisherOrder(t *testing.T) {
	url := runNATSServer(t)
	a := newNATS(t, url)
	b := newNATS(t, url)

	var got collector
	sub, err := b.Subscribe(context.Background(), "lobby", got.handle)
	require.NoError(t, err)
	defer sub.Stop()

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, a.Publish(context.Background(), envelope(t, "a", "lobby", fmt.Sprintf("m%d", i))))
	}

	require.Eventually(t, func() bool { return len(got.snapshot()) == n }, 5*time.Second, 10*time.Millisecond)
	for i, env := range got.snapshot() {
		assert.Contains(t, string(env.Event.Data), fmt.Sprintf(`"m%d"`, i))
	}
}

func TestNATSStopEndsDelivery(t *testing.T) {
	url := runNATSServer(t)
	a := newNATS(t, url)

	var got collector
	sub, err := a.Subscribe(context.Background(), "lobby", got.handle)
	require.NoError(t, err)

	require.NoError(t, a.Publish(context.Background(), envelope(t, "a", "lobby", "one")))
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)

	sub.Stop()
	require.NoError(t, a.Publish(context.Background(), envelope(t, "a", "lobby", "two")))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, got.snapshot(), 1)
}

func TestNATSReusesExistingStream(t *testing.T) {
	url := runNATSServer(t)
	newNATS(t, url)
	newNATS(t, url)
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "kafka://broker:9092", testOpts, slog.Default())
	assert.Error(t, err)
}

func TestOpenNATS(t *testing.T) {
	url := runNATSServer(t)
	b, err := Open(context.Background(), url, testOpts, slog.Default())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &NATS{}, b)
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "chat.room_lobby", channel("chat", "lobby"))
	assert.Equal(t, "chat.room_off_topic", channel("chat", "Off Topic"))
}
