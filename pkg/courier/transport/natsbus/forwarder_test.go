package natsbus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/transport/natsbus"
)

func TestForwarderMirrorsEvents(t *testing.T) {
	srv := startTestNATS(t)
	consumer := gateway(t, srv.ClientURL())
	events := subscribe(t, consumer, "courier.events.>")

	nc, err := natsbus.Dial(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	bus := event.NewBus(event.BusConfig{})
	fwd := natsbus.NewForwarder(nc, "", nil)
	fwd.Attach(bus)

	d, err := bus.Publish(context.Background(), event.InvoiceCreated, event.InvoicePayload{
		InvoiceID: "inv-1",
		Number:    "INV-2024-001",
		Amount:    150.5,
		Currency:  "SAR",
	})
	require.NoError(t, err)
	assert.True(t, d.OK())
	require.NoError(t, nc.Flush())

	msg := receive(t, events)
	assert.Equal(t, "courier.events.invoice.created", msg.Subject)

	var env event.Envelope
	require.NoError(t, json.Unmarshal(msg.Data, &env))
	assert.Equal(t, d.EventID, env.ID)
	payload, err := event.Decode[event.InvoicePayload](env)
	require.NoError(t, err)
	assert.Equal(t, "inv-1", payload.InvoiceID)

	fwd.Detach()
	_, err = bus.Publish(context.Background(), event.PaymentReceived, event.PaymentPayload{PaymentID: "p-1"})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	select {
	case extra := <-events:
		t.Fatalf("event forwarded after detach: %s", extra.Subject)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestForwarderFailureIsHandlerFailure(t *testing.T) {
	srv := startTestNATS(t)
	nc, err := natsbus.Dial(srv.ClientURL())
	require.NoError(t, err)

	bus := event.NewBus(event.BusConfig{})
	natsbus.NewForwarder(nc, "courier", nil).Attach(bus)

	nc.Close()

	d, err := bus.Publish(context.Background(), "report.requested", nil)
	require.NoError(t, err)
	require.Len(t, d.Failures, 1)
	assert.Error(t, d.Err())
}

func TestForwarderSubject(t *testing.T) {
	fwd := natsbus.NewForwarder(nil, "ops", nil)
	assert.Equal(t, "ops.events.invoice.created", fwd.Subject("invoice.created"))
	assert.Equal(t, "ops.events.odd_name", fwd.Subject("odd name"))
}

func TestForwarderAttachMovesBus(t *testing.T) {
	srv := startTestNATS(t)
	consumer := gateway(t, srv.ClientURL())
	events := subscribe(t, consumer, "courier.events.>")

	nc, err := natsbus.Dial(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	first := event.NewBus(event.BusConfig{})
	second := event.NewBus(event.BusConfig{})
	fwd := natsbus.NewForwarder(nc, "", nil)
	fwd.Attach(first)
	fwd.Attach(second)

	d, err := first.Publish(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Handlers)

	d, err = second.Publish(context.Background(), "y", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Handlers)
	require.NoError(t, nc.Flush())

	assert.Equal(t, "courier.events.y", receive(t, events).Subject)
}
