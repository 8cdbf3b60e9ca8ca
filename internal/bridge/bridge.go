// Package bridge mirrors event bus emissions onto NATS so out-of-process
// observers (analytics, proactive triggers) can react to chat activity
// without coupling to the relay. Publishing is fire-and-forget,
// best-effort: a dropped event is logged, never retried.
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/flowchat/relay/internal/events"
)

// SubjectPrefix is the root of the relay's event subjects. An event of
// type message:sent publishes on flowchat.events.message.sent.
const SubjectPrefix = "flowchat.events."

type Bridge struct {
	conn   *nats.Conn
	logger *slog.Logger
	off    func()
}

// New connects to NATS. The connection retries in the background, so the
// relay starts even when the broker is down.
func New(url, token string, logger *slog.Logger) (*Bridge, error) {
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Bridge{conn: nc, logger: logger}, nil
}

// Attach subscribes the bridge to every bus event.
func (b *Bridge) Attach(bus *events.Bus) {
	b.off = bus.SubscribeAll(b.publish)
}

func (b *Bridge) publish(evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("marshal bus event", "type", evt.Type, "error", err)
		return
	}
	if err := b.conn.Publish(Subject(evt.Type), payload); err != nil {
		b.logger.Warn("publish bus event", "type", evt.Type, "error", err)
	}
}

// Subject maps an event type to its NATS subject.
func Subject(t events.Type) string {
	return SubjectPrefix + strings.ReplaceAll(string(t), ":", ".")
}

func (b *Bridge) Close() {
	if b.off != nil {
		b.off()
	}
	b.conn.Close()
}
