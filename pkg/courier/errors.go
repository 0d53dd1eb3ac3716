package courier

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/courier/pkg/courier/connection"
	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/eventlog"
	"github.com/randalmurphal/courier/pkg/courier/notify"
	"github.com/randalmurphal/courier/pkg/courier/sqlstore"
)

// ErrAlreadyStarted is returned by Start on a running service.
var ErrAlreadyStarted = errors.New("service already started")

// ErrClosed is returned by operations on a closed service.
var ErrClosed = errors.New("service closed")

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	// Examples: refused deliveries, handler timeouts.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	CategoryPermanent

	// CategoryInvalid indicates a caller mistake such as a missing event
	// name or a payload failing its schema.
	CategoryInvalid

	// CategoryNotFound indicates the addressed record or group does not exist.
	CategoryNotFound

	// CategoryConflict indicates the request clashes with current state,
	// such as a second connect attempt or an update to a settled event.
	CategoryConflict

	// CategoryUnavailable indicates a collaborator is down: the channel is
	// not connected or the store is closed.
	CategoryUnavailable
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryInvalid:
		return "invalid"
	case CategoryNotFound:
		return "not_found"
	case CategoryConflict:
		return "conflict"
	case CategoryUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	Err      error
	Category Category
	Context  string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s)", e.Context, e.Err, e.Category)
	}
	return fmt.Sprintf("%s (category: %s)", e.Err, e.Category)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Invalid marks err as a caller mistake.
func Invalid(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: CategoryInvalid, Context: context}
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	switch {
	case errors.Is(err, event.ErrEmptyName),
		errors.Is(err, event.ErrInvalidPayload),
		errors.Is(err, eventlog.ErrInvalidStatus):
		return CategoryInvalid
	case errors.Is(err, eventlog.ErrNotFound),
		errors.Is(err, connection.ErrGroupNotFound):
		return CategoryNotFound
	case errors.Is(err, connection.ErrConnecting),
		errors.Is(err, eventlog.ErrImmutable),
		errors.Is(err, eventlog.ErrInvalidTransition),
		errors.Is(err, eventlog.ErrAlreadyRunning),
		errors.Is(err, ErrAlreadyStarted):
		return CategoryConflict
	case errors.Is(err, connection.ErrNotConnected),
		errors.Is(err, sqlstore.ErrStoreClosed),
		errors.Is(err, ErrClosed):
		return CategoryUnavailable
	case errors.Is(err, notify.ErrDeliveryFailed),
		errors.Is(err, event.ErrHandlerTimeout),
		errors.Is(err, connection.ErrConnectTimeout),
		errors.Is(err, connection.ErrClosedBeforeReady),
		errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
