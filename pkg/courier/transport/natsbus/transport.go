// Package natsbus connects courier to a channel gateway over NATS.
//
// The gateway owns the actual messaging channel. Courier talks to it on
// subjects below a common prefix (default "courier"):
//
//	<prefix>.out.<identity>   outbound messages       {"to", "text"}
//	<prefix>.in               inbound messages        connection.Inbound
//	<prefix>.pairing          pairing code requests   {"code"}
//	<prefix>.ready            session is open
//	<prefix>.closed           session ended           {"logged_out", "reason"}
//	<prefix>.groups           group listing           request/reply, []connection.Group
//	<prefix>.logout           deliberate logout
//	<prefix>.events.<name>    mirrored bus events     event.Envelope (Forwarder)
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/randalmurphal/courier/pkg/courier/connection"
	"github.com/randalmurphal/courier/pkg/courier/observability"
)

// Defaults for Config.
const (
	DefaultPrefix         = "courier"
	DefaultRequestTimeout = 5 * time.Second
)

// OutboundMessage is published on <prefix>.out.<identity>.
type OutboundMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// PairingMessage is received on <prefix>.pairing.
type PairingMessage struct {
	Code string `json:"code"`
}

// ClosedMessage is received on <prefix>.closed.
type ClosedMessage struct {
	LoggedOut bool   `json:"logged_out"`
	Reason    string `json:"reason,omitempty"`
}

// Config configures a Transport.
type Config struct {
	// URL of the NATS server.
	// Default: nats.DefaultURL
	URL string

	// Prefix for every subject.
	// Default: "courier"
	Prefix string

	// SelfID is the identity of the session on the channel. Inbound messages
	// from it are dropped by the connection manager.
	SelfID string

	// AwaitReady makes Connect wait for the gateway to publish on
	// <prefix>.ready (after pairing if needed). When false the session is
	// connected as soon as NATS is.
	AwaitReady bool

	// RequestTimeout bounds group listing when ctx has no deadline.
	// Default: 5 seconds
	RequestTimeout time.Duration

	// Options are appended to the NATS connection options.
	Options []nats.Option

	Logger *slog.Logger
}

// Transport implements connection.Transport over NATS.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	sess *session
}

// session is one NATS connection. Callbacks stop once closing is set.
type session struct {
	conn    *nats.Conn
	closing atomic.Bool
}

var _ connection.Transport = (*Transport)(nil)

// New creates an unconnected transport.
func New(cfg Config) *Transport {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Transport{
		cfg:    cfg,
		logger: observability.Component(cfg.Logger, "natsbus"),
	}
}

// Subject joins the prefix and tokens into a subject.
func (t *Transport) Subject(tokens ...string) string {
	return t.cfg.Prefix + "." + strings.Join(tokens, ".")
}

// Connect dials NATS and subscribes to the gateway subjects. Reconnects are
// left to the connection manager, so the NATS client does not reconnect on
// its own; losing the server ends the session through OnClosed.
func (t *Transport) Connect(ctx context.Context, cb connection.Callbacks) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sess != nil {
		t.sess.closing.Store(true)
		t.sess.conn.Close()
		t.sess = nil
	}

	sess := &session{}
	var once sync.Once
	closed := func(reason connection.CloseReason) {
		once.Do(func() {
			if sess.closing.Load() || cb.OnClosed == nil {
				return
			}
			cb.OnClosed(reason)
		})
	}

	opts := []nats.Option{
		nats.Name("courier"),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = errors.New("nats disconnected")
			}
			closed(connection.CloseReason{Err: err})
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			closed(connection.CloseReason{Err: nats.ErrConnectionClosed})
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(t.cfg.URL, append(opts, t.cfg.Options...)...)
	if err != nil {
		return fmt.Errorf("connecting to NATS at %s: %w", t.cfg.URL, err)
	}

	handlers := map[string]nats.MsgHandler{
		t.Subject("in"):      t.onInbound(cb),
		t.Subject("pairing"): t.onPairing(cb),
		t.Subject("closed"):  t.onClosed(closed),
	}
	if t.cfg.AwaitReady {
		handlers[t.Subject("ready")] = func(*nats.Msg) {
			if cb.OnConnected != nil {
				cb.OnConnected()
			}
		}
	}

	fail := func(err error) error {
		sess.closing.Store(true)
		nc.Close()
		return err
	}
	for subject, h := range handlers {
		if _, err := nc.Subscribe(subject, h); err != nil {
			return fail(fmt.Errorf("subscribing to %s: %w", subject, err))
		}
	}
	// Flush so the subscriptions exist on the server before anything else
	// happens on the session.
	if err := nc.FlushWithContext(ctx); err != nil {
		return fail(fmt.Errorf("flushing subscriptions: %w", err))
	}

	sess.conn = nc
	t.sess = sess
	t.logger.Info("connected to gateway",
		slog.String("url", nc.ConnectedUrlRedacted()),
		slog.String("prefix", t.cfg.Prefix),
	)

	if !t.cfg.AwaitReady && cb.OnConnected != nil {
		go cb.OnConnected()
	}
	return nil
}

func (t *Transport) onInbound(cb connection.Callbacks) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var in connection.Inbound
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			t.logger.Warn("dropping malformed inbound message",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		if cb.OnMessage != nil {
			cb.OnMessage(in)
		}
	}
}

func (t *Transport) onPairing(cb connection.Callbacks) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var p PairingMessage
		if err := json.Unmarshal(msg.Data, &p); err != nil || p.Code == "" {
			t.logger.Warn("dropping malformed pairing message", slog.String("subject", msg.Subject))
			return
		}
		if cb.OnPairing != nil {
			cb.OnPairing(p.Code)
		}
	}
}

func (t *Transport) onClosed(closed func(connection.CloseReason)) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var c ClosedMessage
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &c); err != nil {
				t.logger.Warn("malformed closed message", slog.String("error", err.Error()))
			}
		}
		reason := connection.CloseReason{LoggedOut: c.LoggedOut}
		if !c.LoggedOut {
			text := c.Reason
			if text == "" {
				text = "gateway closed the session"
			}
			reason.Err = errors.New(text)
		}
		closed(reason)
	}
}

func (t *Transport) current() (*nats.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil || !t.sess.conn.IsConnected() {
		return nil, connection.ErrNotConnected
	}
	return t.sess.conn, nil
}

// Send publishes text for identity to the gateway.
func (t *Transport) Send(ctx context.Context, to, text string) error {
	nc, err := t.current()
	if err != nil {
		return err
	}
	data, err := json.Marshal(OutboundMessage{To: to, Text: text})
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	subject := t.Subject("out", Token(to))
	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Groups asks the gateway for the session's groups.
func (t *Transport) Groups(ctx context.Context) ([]connection.Group, error) {
	nc, err := t.current()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}

	reply, err := nc.RequestWithContext(ctx, t.Subject("groups"), nil)
	if err != nil {
		return nil, fmt.Errorf("requesting groups: %w", err)
	}
	var groups []connection.Group
	if err := json.Unmarshal(reply.Data, &groups); err != nil {
		return nil, fmt.Errorf("decoding groups: %w", err)
	}
	return groups, nil
}

// Logout tells the gateway to end the channel session for good.
func (t *Transport) Logout(ctx context.Context) error {
	nc, err := t.current()
	if err != nil {
		return err
	}
	if err := nc.Publish(t.Subject("logout"), nil); err != nil {
		return fmt.Errorf("publishing logout: %w", err)
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flushing logout: %w", err)
	}
	return nil
}

// Close drops the NATS connection. No OnClosed callback follows a Close.
func (t *Transport) Close() error {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()

	if sess != nil {
		sess.closing.Store(true)
		sess.conn.Close()
	}
	return nil
}

// SelfID returns the configured session identity.
func (t *Transport) SelfID() string {
	return t.cfg.SelfID
}

// Token makes s safe to use as one subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
