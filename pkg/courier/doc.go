/*
Package courier is the messaging and reliability core of a back office that
talks to customers over a chat channel.

# Components

  - event: in-process publish/subscribe bus with bounded history
  - eventlog: durable event records and the retry coordinator
  - ratelimit: per-identity minute/hour/day admission
  - connection: channel session state machine and the single send path
  - command: inbound message classification and replies
  - msglog: message audit log
  - notify: domain events to channel messages
  - sqlstore: SQLite and PostgreSQL persistence
  - transport/natsbus: channel gateway over NATS

Service wires them together and exposes the control plane. adminapi serves
it over HTTP and cmd/courier runs it.

# Publishing

	svc, err := courier.New(courier.Config{Transport: transport})
	if err != nil {
	    return err
	}
	if err := svc.Start(ctx); err != nil {
	    return err
	}
	defer svc.Close()

	res, err := svc.PublishEvent(ctx, event.InvoiceCreated, event.InvoicePayload{
	    InvoiceID:     "inv-1",
	    CustomerPhone: "966500000001",
	    Amount:        150,
	    Currency:      "SAR",
	})

Every published event is logged as pending, delivered to all subscribers
concurrently, and then marked success or failed. Failed events are
re-delivered by the retry coordinator until they succeed or run out of
retries.

# Errors

Categorize maps errors from every package onto a small set of categories
(invalid, not found, conflict, unavailable, transient, permanent) for
callers such as the admin API.
*/
package courier
