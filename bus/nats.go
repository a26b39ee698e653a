package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/karthikraju391/roomchat/models"
	"github.com/karthikraju391/roomchat/telemetry"
)

var tracer = otel.Tracer("github.com/karthikraju391/roomchat/bus")

// NATS relays room envelopes through a JetStream stream. Each room
// subscription is an ordered consumer that starts at new messages, so an
// instance only sees traffic from the moment it subscribes.
type NATS struct {
	js     jetstream.JetStream
	nc     *nats.Conn
	opts   Options
	logger *slog.Logger
}

// NewNATS connects to NATS and makes sure the room stream exists.
func NewNATS(ctx context.Context, url string, opts Options, logger *slog.Logger) (*NATS, error) {
	logger = logger.With("component", "bus", "transport", "nats")

	nc, err := nats.Connect(url,
		nats.Name(opts.ClientName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	// Ensure stream exists
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, opts.StreamName)
	if err != nil {
		logger.Info("Stream not found, attempting to create", "stream", opts.StreamName)
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        opts.StreamName,
			Description: "Relays room broadcasts between chat instances",
			Subjects:    []string{opts.SubjectPrefix + ".*"},
			MaxAge:      time.Minute,
			Storage:     jetstream.MemoryStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", opts.StreamName, err)
		}
		logger.Info("Stream created", "stream", opts.StreamName)
	} else {
		logger.Info("Found existing stream", "stream", stream.CachedInfo().Config.Name)
	}

	return &NATS{js: js, nc: nc, opts: opts, logger: logger}, nil
}

// Close NATS connection
func (n *NATS) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// Publish sends env to its room subject and waits for the stream ack.
func (n *NATS) Publish(ctx context.Context, env models.Envelope) error {
	subject := channel(n.opts.SubjectPrefix, env.Room)
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.String("chat.event", env.Event.Name),
		),
	)
	defer span.End()

	msg := &nats.Msg{Subject: subject, Data: data, Header: telemetry.InjectNATS(ctx)}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish to subject '%s': %w", subject, err)
	}
	return nil
}

// Subscribe starts an ordered consumer on the room subject. handler runs on
// the consumer's delivery goroutine, one envelope at a time.
func (n *NATS) Subscribe(ctx context.Context, room string, handler Handler) (Subscription, error) {
	subject := channel(n.opts.SubjectPrefix, room)

	cons, err := n.js.OrderedConsumer(ctx, n.opts.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", subject, err)
	}

	consumeCtx, err := cons.Consume(func(jsMsg jetstream.Msg) {
		_, span := tracer.Start(telemetry.ExtractNATS(context.Background(), jsMsg.Headers()), subject+" receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "nats"),
				attribute.String("messaging.destination.name", jsMsg.Subject()),
			),
		)
		defer span.End()

		var env models.Envelope
		if err := json.Unmarshal(jsMsg.Data(), &env); err != nil {
			n.logger.Warn("Dropping malformed envelope", "subject", jsMsg.Subject(), "error", err)
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", subject, err)
	}

	n.logger.Debug("Subscribed", "subject", subject)
	return consumeCtx, nil
}
