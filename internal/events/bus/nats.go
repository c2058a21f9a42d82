package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/relayforge/agentbridge/internal/common/config"
	"github.com/relayforge/agentbridge/internal/common/logger"
)

// NATSEventBus implements EventBus over a NATS connection, for
// deployments that run more than one instance of the core and want
// connection_status fan-out visible outside the owning process. It
// carries no delivery guarantee beyond NATS's own at-most-once
// semantics; using it never upgrades the core's own golden-set
// delivery guarantee, which remains in-process, at-most-once only.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSEventBus connects to the configured NATS server with the same
// reconnect posture as the rest of the Kandev stack (bounded
// reconnects, buffered reconnect writes, structured logging of
// connection-state transitions).
func NewNATSEventBus(cfg config.EventBusConfig, log *logger.Logger) (*NATSEventBus, error) {
	log = log.WithFields(zap.String("component", "nats_event_bus"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("nats connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connecting to nats: %w", err)
	}

	return &NATSEventBus{conn: conn, logger: log}, nil
}

// Publish marshals event to JSON and publishes it on subject.
func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshaling event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publishing to nats subject %q: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject. Handlers run on a goroutine
// per delivered message, matching MemoryEventBus's semantics so
// callers can swap implementations without changing behavior.
func (b *NATSEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	ctx := context.Background()
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("failed to decode nats message", zap.Error(err))
			return
		}
		go func() {
			if err := handler(ctx, &event); err != nil {
				b.logger.Error("event handler returned error",
					zap.String("subject", subject), zap.Error(err))
			}
		}()
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribing to nats subject %q: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains and closes the underlying NATS connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	_ = b.conn.Drain()
}

// IsConnected reports the underlying NATS connection's status.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
