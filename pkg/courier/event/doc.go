// Package event provides the in-process publish/subscribe bus for courier.
//
// # Overview
//
//   - Envelope carries an event name, a JSON payload and a timestamp
//   - NewEnvelope and Decode give type-safe access to payloads
//   - Registry maps event names to payload schemas
//   - Bus fans each publish out to every subscriber concurrently and joins
//
// # Publishing
//
// Publish appends the event to a bounded history and then runs every current
// subscriber of that event name at the same time. It returns once all of them
// have finished:
//
//	bus := event.NewBus(event.BusConfig{})
//
//	id := bus.Subscribe(event.InvoiceCreated, func(ctx context.Context, env event.Envelope) error {
//	    inv, err := event.Decode[event.InvoicePayload](env)
//	    if err != nil {
//	        return err
//	    }
//	    return notify(ctx, inv)
//	})
//	defer bus.Unsubscribe(id)
//
//	delivery, err := bus.Publish(ctx, event.InvoiceCreated, event.InvoicePayload{...})
//
// err is only set for caller mistakes (an unencodable or invalid payload).
// Handler failures, including panics, are isolated per handler, logged, and
// reported in the returned Delivery; they never fail the publish call and
// never stop sibling handlers.
//
// # Ordering
//
// Handlers start in subscription order, but they run concurrently, so there
// is no completion order. A subscriber registered after a publish never sees
// that event; History is a snapshot for inspection, not a replay stream.
//
// # Redelivery
//
// Redeliver fans a stored envelope out again without touching the history.
// The event log's retry coordinator uses it to retry failed deliveries.
package event
