// Package eventlog keeps a durable record of published events and retries
// the ones whose delivery failed.
//
// Each publish is logged as a Record. A Record moves through
//
//	pending -> success
//	pending -> failed -> retrying -> success
//	                     retrying -> failed (retry budget left)
//	                     retrying -> failed (terminal, "max retries reached")
//
// and is immutable once it reaches success. The Coordinator wakes on a
// Scheduler, picks up failed records that still have retry budget and hands
// them to a RetryHandler.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/randalmurphal/courier/pkg/courier/event"
)

// Status is the delivery state of a logged event.
type Status string

// Event statuses.
const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRetrying, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// DefaultMaxRetries is the retry budget given to new records.
const DefaultMaxRetries = 3

// MaxRetriesReached is the error stored on records that exhausted their
// retry budget.
const MaxRetriesReached = "max retries reached"

// Sentinel errors.
var (
	// ErrNotFound indicates no record exists for the id.
	ErrNotFound = errors.New("event record not found")

	// ErrImmutable indicates an update to a record already in success.
	ErrImmutable = errors.New("event record is immutable")

	// ErrInvalidTransition indicates a status change the state machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidStatus indicates an unknown status value.
	ErrInvalidStatus = errors.New("invalid status")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

// Error implements error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

// Unwrap returns ErrImmutable for records already in success and
// ErrInvalidTransition otherwise.
func (e *TransitionError) Unwrap() error {
	if e.From == StatusSuccess {
		return ErrImmutable
	}
	return ErrInvalidTransition
}

// allowedTransitions lists the legal moves of the state machine.
var allowedTransitions = map[Status][]Status{
	StatusPending:  {StatusSuccess, StatusFailed},
	StatusFailed:   {StatusRetrying, StatusFailed},
	StatusRetrying: {StatusSuccess, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is one logged event.
type Record struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        Status          `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
}

// CanRetry reports whether the record is failed with retry budget left.
func (r Record) CanRetry() bool {
	return r.Status == StatusFailed && r.RetryCount < r.MaxRetries
}

// Terminal reports whether no further transition will happen.
func (r Record) Terminal() bool {
	return r.Status == StatusSuccess || (r.Status == StatusFailed && r.RetryCount >= r.MaxRetries)
}

// Envelope rebuilds the bus envelope the record was logged from.
func (r Record) Envelope() event.Envelope {
	return event.Envelope{
		ID:        r.ID,
		Name:      r.Name,
		Payload:   r.Payload,
		Timestamp: r.CreatedAt,
	}
}

// Stats counts records by status.
type Stats struct {
	Pending  int `json:"pending"`
	Retrying int `json:"retrying"`
	Success  int `json:"success"`
	Failed   int `json:"failed"`
	Total    int `json:"total"`
}
