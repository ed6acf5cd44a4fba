// ABOUTME: NATS consumer bridging the platform event bus into the gateway.
// ABOUTME: Decodes JSON events off a subject wildcard and hands them to a callback.

package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/relay-gateway/internal/event"
)

// Handler receives each decoded event. Handlers must not block: they run
// on the NATS delivery goroutine.
type Handler func(*event.Event)

// Config holds the consumer's connection settings.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string

	// SubjectPrefix is the subject tree to consume; the consumer
	// subscribes to SubjectPrefix + ".>".
	SubjectPrefix string

	// Name identifies this client to the NATS server.
	Name string
}

// Consumer subscribes to the platform event bus and forwards decoded
// events to a handler. Reconnection is handled by the NATS client; the
// gateway keeps serving already-connected clients while the bus is away.
type Consumer struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	nc  *nats.Conn
	sub *nats.Subscription
}

// NewConsumer creates a consumer. Connect must be called before events flow.
func NewConsumer(cfg Config, handler Handler, logger *slog.Logger) *Consumer {
	if cfg.Name == "" {
		cfg.Name = "relay-gateway"
	}
	return &Consumer{cfg: cfg, handler: handler, logger: logger}
}

// Connect dials the bus and subscribes to the event subject tree. The
// client retries forever on connection loss with a fixed backoff.
func (c *Consumer) Connect() error {
	nc, err := nats.Connect(c.cfg.URL,
		nats.Name(c.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("event bus disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("event bus reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to event bus: %w", err)
	}
	c.nc = nc

	subject := c.cfg.SubjectPrefix + ".>"
	sub, err := nc.Subscribe(subject, c.onMessage)
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	c.sub = sub

	c.logger.Info("event bus consumer started", "url", c.cfg.URL, "subject", subject)
	return nil
}

// onMessage decodes a bus message and forwards it. Malformed messages are
// logged and dropped; one bad producer must not wedge the stream.
func (c *Consumer) onMessage(msg *nats.Msg) {
	ev, err := decodeEvent(msg.Data)
	if err != nil {
		c.logger.Warn("dropping malformed bus event", "subject", msg.Subject, "error", err)
		return
	}
	c.handler(ev)
}

// decodeEvent parses a bus payload into an Event, validating the fields
// routing depends on.
func decodeEvent(data []byte) (*event.Event, error) {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if ev.Topic == "" {
		return nil, fmt.Errorf("event missing topic")
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("event missing type")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return &ev, nil
}

// Connected reports whether the bus connection is currently up.
func (c *Consumer) Connected() bool {
	return c.nc != nil && c.nc.IsConnected()
}

// Close drains the subscription and closes the connection.
func (c *Consumer) Close() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.nc != nil {
		c.nc.Close()
	}
}
