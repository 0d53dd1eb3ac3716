package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/observability"
)

// Dial connects to NATS for long-lived publishing, reconnecting forever.
// Extra options (e.g. disconnect/reconnect handlers) can be appended.
func Dial(url string, opts ...nats.Option) (*nats.Conn, error) {
	defaults := []nats.Option{
		nats.Name("courier-forwarder"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subscriber is the part of the event bus the forwarder attaches to.
// *event.Bus satisfies it.
type Subscriber interface {
	SubscribeAll(handler event.Handler) event.SubscriptionID
	Unsubscribe(id event.SubscriptionID) bool
}

// Forwarder mirrors every bus event to <prefix>.events.<name> so processes
// outside courier can observe them.
type Forwarder struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger

	mu  sync.Mutex
	bus Subscriber
	sub event.SubscriptionID
}

// NewForwarder publishes on conn under prefix ("" means DefaultPrefix).
func NewForwarder(conn *nats.Conn, prefix string, logger *slog.Logger) *Forwarder {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Forwarder{
		conn:   conn,
		prefix: prefix,
		logger: observability.Component(logger, "nats_forwarder"),
	}
}

// Subject returns the subject an event name is mirrored to.
func (f *Forwarder) Subject(name string) string {
	tokens := strings.Split(name, ".")
	for i, tok := range tokens {
		tokens[i] = Token(tok)
	}
	return f.prefix + ".events." + strings.Join(tokens, ".")
}

// Attach subscribes the forwarder to every event on bus. Attaching again
// moves it to the new bus.
func (f *Forwarder) Attach(bus Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bus != nil {
		f.bus.Unsubscribe(f.sub)
	}
	f.bus = bus
	f.sub = bus.SubscribeAll(f.Forward)
}

// Detach stops forwarding. The NATS connection is left open.
func (f *Forwarder) Detach() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.bus != nil {
		f.bus.Unsubscribe(f.sub)
		f.bus = nil
		f.sub = ""
	}
}

// Forward publishes env. It is an event.Handler, so a failed publish is a
// handler failure and the event is retried like any other.
func (f *Forwarder) Forward(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	subject := f.Subject(env.Name)
	if err := f.conn.Publish(subject, data); err != nil {
		f.logger.Warn("forward failed",
			slog.String("event_id", env.ID),
			slog.String("subject", subject),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
