package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for publishing.
var (
	// ErrInvalidPayload indicates a payload failed its registered schema.
	ErrInvalidPayload = errors.New("invalid event payload")

	// ErrEmptyName indicates a publish without an event name.
	ErrEmptyName = errors.New("event name is required")

	// ErrHandlerTimeout indicates a handler did not finish within the bus
	// handler timeout.
	ErrHandlerTimeout = errors.New("event handler timed out")
)

// HandlerError describes one subscriber failure during a delivery.
type HandlerError struct {
	EventID        string
	EventName      string
	SubscriptionID SubscriptionID
	Panicked       bool
	Err            error
}

// Error implements error interface.
func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("event %s: handler %s panicked: %v", e.EventName, e.SubscriptionID, e.Err)
	}
	return fmt.Sprintf("event %s: handler %s: %v", e.EventName, e.SubscriptionID, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Delivery reports the outcome of one fan-out.
type Delivery struct {
	EventID  string
	Handlers int
	Failures []*HandlerError
}

// OK reports whether every handler succeeded.
func (d Delivery) OK() bool {
	return len(d.Failures) == 0
}

// Err joins all handler failures, or returns nil when there were none.
func (d Delivery) Err() error {
	if len(d.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(d.Failures))
	for i, f := range d.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}
