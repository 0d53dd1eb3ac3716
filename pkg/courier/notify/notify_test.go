package notify_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/courier/pkg/courier/config"
	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/notify"
)

type message struct {
	to, text string
}

type fakeSender struct {
	mu     sync.Mutex
	refuse bool
	sent   []message
}

func (f *fakeSender) SendMessage(ctx context.Context, identity, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse {
		return false
	}
	f.sent = append(f.sent, message{identity, text})
	return true
}

func setup(t *testing.T, settings config.Settings) (*event.Bus, *fakeSender, *notify.Notifier) {
	t.Helper()
	bus := event.NewBus(event.BusConfig{})
	sender := &fakeSender{}
	n := notify.New(sender, notify.Config{Settings: settings})
	n.Attach(bus)
	return bus, sender, n
}

func TestInvoiceCreated(t *testing.T) {
	bus, sender, _ := setup(t, nil)

	d, err := bus.Publish(context.Background(), event.InvoiceCreated, event.InvoicePayload{
		InvoiceID:     "inv-1",
		Number:        "INV-001",
		CustomerName:  "Ahmed",
		CustomerPhone: "966500000001",
		Amount:        150.5,
		Currency:      "SAR",
	})
	require.NoError(t, err)
	assert.True(t, d.OK())

	require.Len(t, sender.sent, 1)
	assert.Equal(t, message{"966500000001", "New invoice INV-001 for Ahmed: 150.50 SAR"}, sender.sent[0])
}

func TestDefaultRecipient(t *testing.T) {
	settings := config.New(map[string]any{
		"notify": map[string]any{"default_recipient": "966599999999"},
	})
	bus, sender, _ := setup(t, settings)

	_, err := bus.Publish(context.Background(), event.ReportRequested, event.ReportPayload{
		Period:  "2024-05",
		Summary: "12 invoices, 9 paid",
	})
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "966599999999", sender.sent[0].to)
	assert.Equal(t, "Report for 2024-05:\n12 invoices, 9 paid", sender.sent[0].text)
}

func TestNoRecipient(t *testing.T) {
	bus, sender, _ := setup(t, config.New(nil))

	d, err := bus.Publish(context.Background(), event.PaymentReceived, event.PaymentPayload{PaymentID: "p-1", Amount: 10})
	require.NoError(t, err)
	require.Len(t, d.Failures, 1)
	assert.ErrorIs(t, d.Err(), notify.ErrNoRecipient)
	assert.Empty(t, sender.sent)
}

func TestRefusedSendIsDeliveryFailure(t *testing.T) {
	bus, sender, _ := setup(t, nil)
	sender.refuse = true

	d, err := bus.Publish(context.Background(), event.PaymentReceived, event.PaymentPayload{
		PaymentID:     "p-1",
		CustomerPhone: "966500000001",
		Amount:        99,
		Currency:      "SAR",
	})
	require.NoError(t, err)
	assert.ErrorIs(t, d.Err(), notify.ErrDeliveryFailed)
}

func TestDetach(t *testing.T) {
	bus, sender, n := setup(t, nil)
	assert.Equal(t, 1, bus.SubscriberCount(event.InvoiceCreated))

	n.Detach()
	n.Detach()
	assert.Equal(t, 0, bus.SubscriberCount(event.InvoiceCreated))
	assert.Equal(t, 0, bus.SubscriberCount(event.PaymentReceived))
	assert.Equal(t, 0, bus.SubscriberCount(event.ReportRequested))

	_, err := bus.Publish(context.Background(), event.InvoiceCreated, event.InvoicePayload{CustomerPhone: "1"})
	require.NoError(t, err)
	assert.Empty(t, sender.sent)
}

func TestAttachTwiceDoesNotDuplicate(t *testing.T) {
	bus, _, n := setup(t, nil)
	n.Attach(bus)
	assert.Equal(t, 1, bus.SubscriberCount(event.InvoiceCreated))
}

func TestRender(t *testing.T) {
	assert.Equal(t, "New invoice: 0.00", notify.RenderInvoice(event.InvoicePayload{}))
	assert.Equal(t,
		"Payment received: 250.00 SAR (invoice inv-9). Thank you!",
		notify.RenderPayment(event.PaymentPayload{Amount: 250, Currency: "SAR", InvoiceID: "inv-9"}),
	)
	assert.Equal(t, "Report is ready.", notify.RenderReport(event.ReportPayload{}))
}
