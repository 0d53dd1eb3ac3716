// Package notify turns domain events into channel messages.
//
// A Notifier subscribes to invoice.created, payment.received and
// report.requested, renders a short text and sends it through the
// connection manager. A refused send is returned as ErrDeliveryFailed, so
// the bus reports the handler as failed and the event log retries it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/randalmurphal/courier/pkg/courier/config"
	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/observability"
)

var (
	// ErrDeliveryFailed indicates the channel refused or failed the send.
	// It is transient: the event is retried.
	ErrDeliveryFailed = errors.New("notification delivery failed")

	// ErrNoRecipient indicates neither the payload nor the settings name a
	// recipient.
	ErrNoRecipient = errors.New("no notification recipient")
)

// Sender delivers a message. *connection.Manager satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, identity, text string) bool
}

// Subscriber is the part of the event bus the notifier attaches to.
type Subscriber interface {
	Subscribe(name string, handler event.Handler) event.SubscriptionID
	Unsubscribe(id event.SubscriptionID) bool
}

// Config configures a Notifier.
type Config struct {
	// Settings supplies config.KeyNotifyDefaultRecipient, used when a
	// payload carries no recipient. Optional.
	Settings config.Settings

	Logger *slog.Logger
}

// Notifier sends channel messages for domain events.
type Notifier struct {
	sender   Sender
	settings config.Settings
	logger   *slog.Logger

	mu   sync.Mutex
	bus  Subscriber
	subs []event.SubscriptionID
}

// New creates a notifier sending through sender.
func New(sender Sender, cfg Config) *Notifier {
	return &Notifier{
		sender:   sender,
		settings: cfg.Settings,
		logger:   observability.Component(cfg.Logger, "notifier"),
	}
}

// Attach subscribes the notifier to its events on bus.
func (n *Notifier) Attach(bus Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.detachLocked()
	n.bus = bus
	n.subs = []event.SubscriptionID{
		bus.Subscribe(event.InvoiceCreated, event.TypedHandler(n.InvoiceCreated)),
		bus.Subscribe(event.PaymentReceived, event.TypedHandler(n.PaymentReceived)),
		bus.Subscribe(event.ReportRequested, event.TypedHandler(n.ReportRequested)),
	}
}

// Detach removes the notifier's subscriptions.
func (n *Notifier) Detach() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detachLocked()
}

func (n *Notifier) detachLocked() {
	if n.bus == nil {
		return
	}
	for _, id := range n.subs {
		n.bus.Unsubscribe(id)
	}
	n.bus = nil
	n.subs = nil
}

// InvoiceCreated notifies the invoice's customer.
func (n *Notifier) InvoiceCreated(ctx context.Context, p event.InvoicePayload, env event.Envelope) error {
	return n.deliver(ctx, env, p.CustomerPhone, RenderInvoice(p))
}

// PaymentReceived confirms a payment to the customer.
func (n *Notifier) PaymentReceived(ctx context.Context, p event.PaymentPayload, env event.Envelope) error {
	return n.deliver(ctx, env, p.CustomerPhone, RenderPayment(p))
}

// ReportRequested sends the report summary.
func (n *Notifier) ReportRequested(ctx context.Context, p event.ReportPayload, env event.Envelope) error {
	return n.deliver(ctx, env, p.Recipient, RenderReport(p))
}

func (n *Notifier) deliver(ctx context.Context, env event.Envelope, recipient, text string) error {
	to, err := n.recipient(recipient)
	if err != nil {
		n.logger.Warn("notification dropped",
			slog.String("event_id", env.ID),
			slog.String("event", env.Name),
		)
		return fmt.Errorf("%s: %w", env.Name, err)
	}
	if !n.sender.SendMessage(ctx, to, text) {
		return fmt.Errorf("%s to %s: %w", env.Name, to, ErrDeliveryFailed)
	}
	n.logger.Debug("notification sent",
		slog.String("event_id", env.ID),
		slog.String("event", env.Name),
		slog.String("to", to),
	)
	return nil
}

func (n *Notifier) recipient(fromPayload string) (string, error) {
	if r := strings.TrimSpace(fromPayload); r != "" {
		return r, nil
	}
	if n.settings != nil {
		if r, ok := n.settings.Lookup(config.KeyNotifyDefaultRecipient); ok && strings.TrimSpace(r) != "" {
			return strings.TrimSpace(r), nil
		}
	}
	return "", ErrNoRecipient
}

// RenderInvoice renders the invoice.created message.
func RenderInvoice(p event.InvoicePayload) string {
	var b strings.Builder
	b.WriteString("New invoice")
	if p.Number != "" {
		b.WriteString(" " + p.Number)
	}
	if p.CustomerName != "" {
		b.WriteString(" for " + p.CustomerName)
	}
	fmt.Fprintf(&b, ": %s", money(p.Amount, p.Currency))
	return b.String()
}

// RenderPayment renders the payment.received message.
func RenderPayment(p event.PaymentPayload) string {
	text := "Payment received: " + money(p.Amount, p.Currency)
	if p.InvoiceID != "" {
		text += " (invoice " + p.InvoiceID + ")"
	}
	return text + ". Thank you!"
}

// RenderReport renders the report.requested message.
func RenderReport(p event.ReportPayload) string {
	text := "Report"
	if p.Period != "" {
		text += " for " + p.Period
	}
	if p.Summary == "" {
		return text + " is ready."
	}
	return text + ":\n" + p.Summary
}

func money(amount float64, currency string) string {
	s := fmt.Sprintf("%.2f", amount)
	if currency != "" {
		s += " " + currency
	}
	return s
}
