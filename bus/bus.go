// Package bus mirrors room broadcasts between server instances.
//
// Delivery order: envelopes published by one instance on one room channel
// reach every subscriber in publish order. Nothing orders envelopes from
// different instances against each other.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/karthikraju391/roomchat/models"
	"github.com/karthikraju391/roomchat/rooms"
)

// Handler receives envelopes published by any instance, this one included.
type Handler func(models.Envelope)

// Subscription is an active room subscription.
type Subscription interface {
	Stop()
}

// Bus is a pub/sub transport keyed by room.
type Bus interface {
	Publish(ctx context.Context, env models.Envelope) error
	Subscribe(ctx context.Context, room string, handler Handler) (Subscription, error)
	Close() error
}

// Options shared by all transports.
type Options struct {
	// SubjectPrefix is prepended to the room channel name.
	SubjectPrefix string
	// StreamName is the JetStream stream holding room subjects (NATS only).
	StreamName string
	// ClientName identifies this instance to the broker.
	ClientName string
}

// Open picks a transport from the URL scheme: nats:// and tls:// use NATS
// JetStream, redis:// and rediss:// use Redis pub/sub. A bare host or
// host:port is treated as a Redis endpoint.
func Open(ctx context.Context, rawURL string, opts Options, logger *slog.Logger) (Bus, error) {
	switch {
	case strings.HasPrefix(rawURL, "nats://"), strings.HasPrefix(rawURL, "tls://"):
		n, err := NewNATS(ctx, rawURL, opts, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	case strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "redis://") && !strings.HasPrefix(rawURL, "rediss://"):
		return nil, fmt.Errorf("unsupported bus url scheme in %q", rawURL)
	case !strings.Contains(rawURL, "://"):
		if !strings.Contains(rawURL, ":") {
			rawURL += ":6379"
		}
		rawURL = "redis://" + rawURL
	}
	r, err := NewRedis(ctx, rawURL, opts, logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// channel is the subject / channel name for room. It reuses the room's
// collision-checked storage token so arbitrary room names stay valid NATS
// subject tokens.
func channel(prefix, room string) string {
	return prefix + "." + rooms.TableName(room)
}
