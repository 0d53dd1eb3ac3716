package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is a published event.
// Envelopes are immutable once created.
type Envelope struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope encodes payload as JSON and wraps it in a new envelope.
// Payloads that are already json.RawMessage or []byte are used as is.
func NewEnvelope[T any](name string, payload T) (Envelope, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Envelope{
		ID:        uuid.New().String(),
		Name:      name,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}

// Decode unmarshals the envelope payload into T.
func Decode[T any](env Envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", env.Name, err)
	}
	return v, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}

// Handler processes a delivered event.
type Handler func(ctx context.Context, env Envelope) error

// TypedHandler adapts a function taking a decoded payload into a Handler.
func TypedHandler[T any](fn func(ctx context.Context, payload T, env Envelope) error) Handler {
	return func(ctx context.Context, env Envelope) error {
		payload, err := Decode[T](env)
		if err != nil {
			return err
		}
		return fn(ctx, payload, env)
	}
}

// Well-known domain event names.
const (
	InvoiceCreated  = "invoice.created"
	PaymentReceived = "payment.received"
	ReportRequested = "report.requested"
)

// InvoicePayload is the payload of InvoiceCreated.
type InvoicePayload struct {
	InvoiceID     string  `json:"invoice_id" jsonschema:"required"`
	Number        string  `json:"number"`
	CustomerName  string  `json:"customer_name"`
	CustomerPhone string  `json:"customer_phone,omitempty"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
}

// PaymentPayload is the payload of PaymentReceived.
type PaymentPayload struct {
	PaymentID     string  `json:"payment_id" jsonschema:"required"`
	InvoiceID     string  `json:"invoice_id,omitempty"`
	CustomerName  string  `json:"customer_name"`
	CustomerPhone string  `json:"customer_phone,omitempty"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
}

// ReportPayload is the payload of ReportRequested.
type ReportPayload struct {
	Recipient string `json:"recipient,omitempty"`
	Period    string `json:"period"`
	Summary   string `json:"summary,omitempty"`
}
