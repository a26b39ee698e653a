package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/karthikraju391/roomchat/models"
)

// Redis relays room envelopes over Redis pub/sub. Redis delivers the
// messages of one publishing connection in order, which is all the ordering
// the bus promises.
type Redis struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger
}

func NewRedis(ctx context.Context, url string, opts Options, logger *slog.Logger) (*Redis, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	ropts.ClientName = opts.ClientName

	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", ropts.Addr, err)
	}
	return &Redis{
		client: client,
		opts:   opts,
		logger: logger.With("component", "bus", "transport", "redis"),
	}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Publish(ctx context.Context, env models.Envelope) error {
	ch := channel(r.opts.SubjectPrefix, env.Room)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := r.client.Publish(ctx, ch, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel '%s': %w", ch, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, room string, handler Handler) (Subscription, error) {
	ch := channel(r.opts.SubjectPrefix, room)
	ps := r.client.Subscribe(ctx, ch)
	// Wait for the subscription confirmation so nothing published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to channel '%s': %w", ch, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			var env models.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Warn("Dropping malformed envelope", "channel", msg.Channel, "error", err)
				continue
			}
			handler(env)
		}
	}()

	r.logger.Debug("Subscribed", "channel", ch)
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	once sync.Once
	done chan struct{}
}

// Stop closes the subscription and waits for the delivery goroutine.
func (s *redisSubscription) Stop() {
	s.once.Do(func() {
		_ = s.ps.Close()
		<-s.done
	})
}
