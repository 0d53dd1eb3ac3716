package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// Schema describes the payload accepted for one event name.
type Schema struct {
	// Name is the event name (e.g., "invoice.created").
	Name string `json:"name"`

	// Description explains the event's purpose.
	Description string `json:"description,omitempty"`

	// Payload is the JSON Schema of the payload, when known.
	Payload *jsonschema.Schema `json:"payload,omitempty"`

	// Validate checks a raw payload. Nil accepts any payload.
	Validate func(payload json.RawMessage) error `json:"-"`
}

// TypedSchema builds a Schema whose payload must decode into T without
// unknown fields and then pass check (if not nil). The JSON Schema is
// reflected from T; fields tagged jsonschema:"required" are required.
func TypedSchema[T any](name, description string, check func(T) error) Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var zero T
	return Schema{
		Name:        name,
		Description: description,
		Payload:     reflector.Reflect(&zero),
		Validate: func(payload json.RawMessage) error {
			var v T
			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&v); err != nil {
				return err
			}
			if check != nil {
				return check(v)
			}
			return nil
		},
	}
}

// Registry manages payload schemas by event name.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register adds or replaces the schema for an event name.
func (r *Registry) Register(s Schema) error {
	if s.Name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[s.Name] = s
	return nil
}

// Get returns the schema for an event name.
func (r *Registry) Get(name string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// Schemas returns every registered schema, sorted by name.
func (r *Registry) Schemas() []Schema {
	names := r.Names()
	out := make([]Schema, 0, len(names))
	for _, name := range names {
		if s, ok := r.Get(name); ok {
			out = append(out, s)
		}
	}
	return out
}

// Names returns every registered event name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks an envelope against its schema.
// Events without a registered schema are accepted.
func (r *Registry) Validate(env Envelope) error {
	s, ok := r.Get(env.Name)
	if !ok || s.Validate == nil {
		return nil
	}
	if err := s.Validate(env.Payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Name, err)
	}
	return nil
}

// RegisterDomainEvents registers the schemas of the well-known domain events.
func RegisterDomainEvents(r *Registry) {
	_ = r.Register(TypedSchema(InvoiceCreated, "An invoice was issued to a customer",
		func(p InvoicePayload) error {
			if p.InvoiceID == "" {
				return fmt.Errorf("invoice_id is required")
			}
			return nil
		}))
	_ = r.Register(TypedSchema(PaymentReceived, "A customer payment was recorded",
		func(p PaymentPayload) error {
			if p.PaymentID == "" {
				return fmt.Errorf("payment_id is required")
			}
			return nil
		}))
	_ = r.Register(TypedSchema[ReportPayload](ReportRequested, "A periodic report should be delivered", nil))
}
