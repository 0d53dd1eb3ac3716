package connection

import (
	"context"
	"time"
)

// CloseReason describes why a transport session ended.
type CloseReason struct {
	// LoggedOut is set when the channel revoked the session. A new pairing
	// is required and no reconnect is attempted.
	LoggedOut bool

	// Err is the underlying cause, if any.
	Err error
}

func (r CloseReason) String() string {
	switch {
	case r.LoggedOut:
		return "logged_out"
	case r.Err != nil:
		return r.Err.Error()
	}
	return "closed"
}

// Inbound is a message received from the channel.
type Inbound struct {
	ID        string    `json:"id,omitempty"`
	From      string    `json:"from"`
	Chat      string    `json:"chat,omitempty"`
	Text      string    `json:"text"`
	FromSelf  bool      `json:"from_self,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ReplyTo returns where a reply to the message should go.
func (m Inbound) ReplyTo() string {
	if m.Chat != "" {
		return m.Chat
	}
	return m.From
}

// Group is a group chat the session belongs to.
type Group struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

// Callbacks receive session lifecycle notifications from a Transport.
// Any field may be nil.
type Callbacks struct {
	OnPairing   func(code string)
	OnConnected func()
	OnClosed    func(reason CloseReason)
	OnMessage   func(msg Inbound)
}

// Transport is a messaging channel session.
//
// Connect starts a session and returns once it is set up; progress is then
// reported through the callbacks, possibly from other goroutines. ctx only
// bounds the setup.
type Transport interface {
	Connect(ctx context.Context, cb Callbacks) error
	Send(ctx context.Context, to, text string) error
	Groups(ctx context.Context) ([]Group, error)
	Logout(ctx context.Context) error
	Close() error
	SelfID() string
}
