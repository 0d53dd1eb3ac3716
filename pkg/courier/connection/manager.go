// Package connection manages the session with the messaging channel.
//
// A Manager owns one Transport session and moves it through
//
//	disconnected -> connecting -> connected -> disconnected
//
// reconnecting on its own after unexpected closes and setup failures. All
// outbound traffic goes through SendMessage and SendToGroup, which admit
// each message through the rate limiter and report the outcome as a bool.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/randalmurphal/courier/pkg/courier/command"
	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/observability"
	"github.com/randalmurphal/courier/pkg/courier/ratelimit"
)

// State is the session state.
type State string

// Session states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Events emitted by the manager.
const (
	EventConnecting   = "connection.connecting"
	EventPairing      = "connection.pairing"
	EventConnected    = "connection.connected"
	EventDisconnected = "connection.disconnected"
	EventMessage      = "connection.message"
)

// Defaults for Config.
const (
	DefaultReconnectDelay  = 10 * time.Second
	DefaultErrorRetryDelay = 15 * time.Second
	DefaultConnectTimeout  = 30 * time.Second
)

// Send kinds used in metrics.
const (
	sendDirect = "direct"
	sendGroup  = "group"
	sendReply  = "reply"
)

// Sentinel errors.
var (
	// ErrConnecting is returned by Connect while another attempt is running.
	ErrConnecting = errors.New("connection attempt already in progress")

	// ErrNotConnected indicates the session is not connected.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectTimeout indicates the transport neither paired nor connected
	// within the connect timeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrClosedBeforeReady indicates the session closed before it paired
	// or connected.
	ErrClosedBeforeReady = errors.New("session closed before ready")

	// ErrGroupNotFound indicates no group matched the requested name.
	ErrGroupNotFound = errors.New("group not found")
)

// Emitter publishes connection events. *event.Bus satisfies it.
type Emitter interface {
	Publish(ctx context.Context, name string, payload any) (event.Delivery, error)
}

// Limiter admits outbound messages. *ratelimit.Limiter satisfies it.
type Limiter interface {
	CanSend(ctx context.Context, identity string) ratelimit.Decision
	RecordSent(ctx context.Context, identity string)
}

// Router answers inbound messages. *command.Router satisfies it.
type Router interface {
	Handle(ctx context.Context, sender, text string) command.Response
}

// MessageRecorder audits outbound messages. *msglog.Log satisfies it.
type MessageRecorder interface {
	RecordOutgoing(ctx context.Context, to, content, command, response string)
}

// Config configures a Manager.
type Config struct {
	// ReconnectDelay is the wait before reconnecting after an unexpected close.
	// Default: 10 seconds
	ReconnectDelay time.Duration

	// ErrorRetryDelay is the wait before retrying after a failed setup.
	// Default: 15 seconds
	ErrorRetryDelay time.Duration

	// ConnectTimeout bounds each connection attempt.
	// Default: 30 seconds
	ConnectTimeout time.Duration

	// MinSendInterval is the minimum spacing between outbound messages.
	// Default: 0 (no pacing)
	MinSendInterval time.Duration

	// AutoReply answers inbound messages through the Router.
	AutoReply bool

	Emitter  Emitter
	Router   Router
	Messages MessageRecorder

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
}

// Status is a snapshot of the session.
type Status struct {
	Connected        bool       `json:"connected"`
	State            State      `json:"state"`
	PairingCode      string     `json:"pairing_code,omitempty"`
	AutoReplyEnabled bool       `json:"auto_reply_enabled"`
	LastConnectedAt  *time.Time `json:"last_connected_at,omitempty"`
}

// Event payloads.
type (
	PairingPayload struct {
		Code string `json:"code"`
	}

	ConnectedPayload struct {
		SelfID string `json:"self_id,omitempty"`
	}

	DisconnectedPayload struct {
		Reason    string `json:"reason"`
		LoggedOut bool   `json:"logged_out"`
		Reconnect bool   `json:"reconnect"`
	}
)

// Manager owns the channel session.
type Manager struct {
	transport Transport
	limiter   Limiter
	cfg       Config
	logger    *slog.Logger
	pacer     *rate.Limiter

	mu              sync.Mutex
	state           State
	connecting      bool
	pairingCode     string
	lastConnectedAt *time.Time
	autoReply       bool
	session         uint64 // bumped per attempt; stale callbacks are ignored
	loggedOut       bool
	closed          bool
	reconnect       *time.Timer
	reconnectSeq    uint64
}

// NewManager creates a disconnected manager.
func NewManager(transport Transport, limiter Limiter, cfg Config) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ErrorRetryDelay <= 0 {
		cfg.ErrorRetryDelay = DefaultErrorRetryDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	m := &Manager{
		transport: transport,
		limiter:   limiter,
		cfg:       cfg,
		logger:    observability.Component(cfg.Logger, "connection"),
		state:     StateDisconnected,
		autoReply: cfg.AutoReply,
	}
	if cfg.MinSendInterval > 0 {
		m.pacer = rate.NewLimiter(rate.Every(cfg.MinSendInterval), 1)
	}
	return m
}

// Connect starts a session. It returns the pairing code when the channel
// asks for one, or "" once connected. Calls made while an attempt is in
// flight return ErrConnecting; calls on a connected session return "".
func (m *Manager) Connect(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrNotConnected
	}
	if m.connecting {
		m.mu.Unlock()
		return "", ErrConnecting
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return "", nil
	}
	m.connecting = true
	m.loggedOut = false
	m.pairingCode = ""
	m.cancelReconnectLocked()
	m.session++
	session := m.session
	from := m.state
	m.state = StateConnecting
	m.mu.Unlock()

	observability.LogConnectionState(m.logger, string(from), string(StateConnecting), "connect requested")
	m.emit(ctx, EventConnecting, nil)

	pairingCh := make(chan string, 1)
	connectedCh := make(chan struct{}, 1)
	closedCh := make(chan CloseReason, 1)
	cb := Callbacks{
		OnPairing: func(code string) {
			if m.handlePairing(session, code) {
				select {
				case pairingCh <- code:
				default:
				}
			}
		},
		OnConnected: func() {
			if m.handleConnected(session) {
				select {
				case connectedCh <- struct{}{}:
				default:
				}
			}
		},
		OnClosed: func(reason CloseReason) {
			if m.handleClosed(session, reason) {
				select {
				case closedCh <- reason:
				default:
				}
			}
		},
		OnMessage: func(msg Inbound) {
			m.handleInbound(session, msg)
		},
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	if err := m.transport.Connect(cctx, cb); err != nil {
		m.setupFailed(session, err)
		return "", fmt.Errorf("connect: %w", err)
	}

	select {
	case code := <-pairingCh:
		return code, nil
	case <-connectedCh:
		return "", nil
	case reason := <-closedCh:
		return "", fmt.Errorf("%w: %s", ErrClosedBeforeReady, reason)
	case <-cctx.Done():
		// A later session may own the transport by now; only close it when
		// this attempt is still the current one.
		if m.setupFailed(session, ErrConnectTimeout) {
			_ = m.transport.Close()
		}
		return "", ErrConnectTimeout
	}
}

// setupFailed returns the session to disconnected and schedules a retry.
// Callbacks from the failed attempt are ignored afterwards. It reports
// false when session is no longer current.
func (m *Manager) setupFailed(session uint64, err error) bool {
	m.mu.Lock()
	if session != m.session {
		m.mu.Unlock()
		return false
	}
	m.session++
	m.state = StateDisconnected
	m.connecting = false
	m.pairingCode = ""
	retry := !m.closed && !m.loggedOut
	if retry {
		m.scheduleReconnectLocked(m.cfg.ErrorRetryDelay)
	}
	m.mu.Unlock()

	m.logger.Error("connection setup failed",
		slog.String("error", err.Error()),
		slog.Bool("retry", retry),
		slog.Duration("retry_in", m.cfg.ErrorRetryDelay),
	)
	observability.LogConnectionState(m.logger, string(StateConnecting), string(StateDisconnected), err.Error())
	m.emit(context.Background(), EventDisconnected, DisconnectedPayload{Reason: err.Error(), Reconnect: retry})
	return true
}

func (m *Manager) handlePairing(session uint64, code string) bool {
	m.mu.Lock()
	if session != m.session || m.state != StateConnecting {
		m.mu.Unlock()
		return false
	}
	m.pairingCode = code
	m.mu.Unlock()

	m.logger.Info("pairing code received")
	m.emit(context.Background(), EventPairing, PairingPayload{Code: code})
	return true
}

func (m *Manager) handleConnected(session uint64) bool {
	m.mu.Lock()
	if session != m.session || m.closed || m.loggedOut {
		m.mu.Unlock()
		return false
	}
	from := m.state
	now := time.Now()
	m.state = StateConnected
	m.connecting = false
	m.pairingCode = ""
	m.lastConnectedAt = &now
	m.mu.Unlock()

	observability.LogConnectionState(m.logger, string(from), string(StateConnected), "session open")
	m.emit(context.Background(), EventConnected, ConnectedPayload{SelfID: m.transport.SelfID()})
	return true
}

func (m *Manager) handleClosed(session uint64, reason CloseReason) bool {
	m.mu.Lock()
	if session != m.session {
		m.mu.Unlock()
		return false
	}
	from := m.state
	m.state = StateDisconnected
	m.connecting = false
	m.pairingCode = ""
	if reason.LoggedOut {
		m.loggedOut = true
	}
	reconnect := !m.closed && !m.loggedOut
	if reconnect {
		m.scheduleReconnectLocked(m.cfg.ReconnectDelay)
	}
	m.mu.Unlock()

	observability.LogConnectionState(m.logger, string(from), string(StateDisconnected), reason.String())
	m.emit(context.Background(), EventDisconnected, DisconnectedPayload{
		Reason:    reason.String(),
		LoggedOut: reason.LoggedOut,
		Reconnect: reconnect,
	})
	return true
}

// scheduleReconnectLocked arms a one-shot reconnect. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.cancelReconnectLocked()
	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if seq != m.reconnectSeq || m.closed || m.loggedOut {
			m.mu.Unlock()
			return
		}
		m.reconnect = nil
		m.mu.Unlock()

		m.logger.Info("reconnecting")
		if _, err := m.Connect(context.Background()); err != nil && !errors.Is(err, ErrConnecting) {
			m.logger.Warn("reconnect failed", slog.String("error", err.Error()))
		}
	})
	m.logger.Info("reconnect scheduled", slog.Duration("delay", delay))
}

// cancelReconnectLocked discards a scheduled reconnect. Caller holds m.mu.
func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.reconnectSeq++
}

// ReconnectPending reports whether a reconnect is scheduled.
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnect != nil
}

// Disconnect logs the session out. No reconnect follows; the next Connect
// starts a fresh pairing.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	m.loggedOut = true
	m.cancelReconnectLocked()
	from := m.state
	active := m.state != StateDisconnected || m.connecting
	m.state = StateDisconnected
	m.connecting = false
	m.pairingCode = ""
	m.session++
	m.mu.Unlock()

	if !active {
		return nil
	}

	var errs []error
	if err := m.transport.Logout(ctx); err != nil {
		errs = append(errs, fmt.Errorf("logout: %w", err))
	}
	if err := m.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}

	observability.LogConnectionState(m.logger, string(from), string(StateDisconnected), "logout")
	m.emit(ctx, EventDisconnected, DisconnectedPayload{Reason: "logout", LoggedOut: true})
	return errors.Join(errs...)
}

// Close ends the session without logging out and stops reconnecting.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelReconnectLocked()
	m.state = StateDisconnected
	m.connecting = false
	m.session++
	m.mu.Unlock()

	return m.transport.Close()
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		Connected:        m.state == StateConnected,
		State:            m.state,
		PairingCode:      m.pairingCode,
		AutoReplyEnabled: m.autoReply,
	}
	if m.lastConnectedAt != nil {
		t := *m.lastConnectedAt
		s.LastConnectedAt = &t
	}
	return s
}

// SetAutoReply turns automatic answers to inbound messages on or off.
func (m *Manager) SetAutoReply(enabled bool) {
	m.mu.Lock()
	m.autoReply = enabled
	m.mu.Unlock()
	m.logger.Info("auto reply changed", slog.Bool("enabled", enabled))
}

func (m *Manager) connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

// SendMessage sends text to identity. It returns false when the session is
// not connected, the rate limiter refuses, or the transport fails.
func (m *Manager) SendMessage(ctx context.Context, identity, text string) bool {
	return m.send(ctx, identity, text, sendDirect, true)
}

// SendToGroup sends text to the group whose name (or id) matches groupName.
func (m *Manager) SendToGroup(ctx context.Context, groupName, text string) bool {
	if !m.connected() {
		m.refuse(ctx, groupName, sendGroup, observability.RefusedDisconnected)
		return false
	}

	group, err := m.findGroup(ctx, groupName)
	if err != nil {
		m.logger.Warn("group send failed",
			slog.String("group", groupName),
			slog.String("error", err.Error()),
		)
		return false
	}
	return m.send(ctx, group.ID, text, sendGroup, true)
}

func (m *Manager) findGroup(ctx context.Context, name string) (Group, error) {
	groups, err := m.transport.Groups(ctx)
	if err != nil {
		return Group{}, fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if strings.EqualFold(g.Name, name) || g.ID == name {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("%w: %s", ErrGroupNotFound, name)
}

// Groups lists the groups the session belongs to.
func (m *Manager) Groups(ctx context.Context) ([]Group, error) {
	if !m.connected() {
		return nil, ErrNotConnected
	}
	groups, err := m.transport.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// send is the single outbound path: connected check, admission, pacing,
// transport, then accounting.
func (m *Manager) send(ctx context.Context, to, text, kind string, record bool) bool {
	if !m.connected() {
		m.refuse(ctx, to, kind, observability.RefusedDisconnected)
		return false
	}

	d := m.limiter.CanSend(ctx, to)
	if !d.Allowed {
		observability.LogSendDenied(m.logger, to, d.Reason, d.RetryAfterSeconds())
		m.cfg.Metrics.RecordSendRefused(ctx, kind, observability.RefusedRateLimited)
		return false
	}

	if m.pacer != nil {
		if err := m.pacer.Wait(ctx); err != nil {
			observability.LogSendFailed(m.logger, to, err)
			return false
		}
	}

	if err := m.transport.Send(ctx, to, text); err != nil {
		observability.LogSendFailed(m.logger, to, err)
		m.cfg.Metrics.RecordSendRefused(ctx, kind, observability.RefusedTransport)
		return false
	}

	m.limiter.RecordSent(ctx, to)
	m.cfg.Metrics.RecordSend(ctx, kind)
	if record && m.cfg.Messages != nil {
		m.cfg.Messages.RecordOutgoing(ctx, to, text, "", "")
	}
	return true
}

func (m *Manager) refuse(ctx context.Context, to, kind, reason string) {
	m.logger.Debug("send refused",
		slog.String("to", to),
		slog.String("reason", reason),
	)
	m.cfg.Metrics.RecordSendRefused(ctx, kind, reason)
}

// handleInbound emits inbound messages and answers them when auto reply is
// on. Messages authored by the session itself are ignored.
func (m *Manager) handleInbound(session uint64, msg Inbound) {
	m.mu.Lock()
	stale := session != m.session
	autoReply := m.autoReply
	m.mu.Unlock()

	if stale || msg.FromSelf || (msg.From != "" && msg.From == m.transport.SelfID()) {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	ctx := context.Background()
	m.emit(ctx, EventMessage, msg)

	if !autoReply || m.cfg.Router == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}

	resp := m.cfg.Router.Handle(ctx, msg.From, msg.Text)
	if resp.Text == "" {
		return
	}
	if !m.send(ctx, msg.ReplyTo(), resp.Text, sendReply, false) {
		m.logger.Warn("auto reply not sent",
			slog.String("to", msg.ReplyTo()),
			slog.String("command", resp.Command),
		)
	}
}

func (m *Manager) emit(ctx context.Context, name string, payload any) {
	if m.cfg.Emitter == nil {
		return
	}
	if _, err := m.cfg.Emitter.Publish(ctx, name, payload); err != nil {
		m.logger.Warn("emit connection event",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
	}
}
