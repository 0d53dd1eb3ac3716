package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/courier/pkg/courier/event"
)

func TestBusPublishFanOut(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	var a, b atomic.Int32
	bus.Subscribe("invoice.created", func(ctx context.Context, env event.Envelope) error {
		a.Add(1)
		return nil
	})
	bus.Subscribe("invoice.created", func(ctx context.Context, env event.Envelope) error {
		b.Add(1)
		return nil
	})

	d, err := bus.Publish(context.Background(), "invoice.created", map[string]any{"id": "inv-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Publish joins, so no sleeping is needed.
	if a.Load() != 1 || b.Load() != 1 {
		t.Errorf("expected both handlers once, got %d and %d", a.Load(), b.Load())
	}
	if d.Handlers != 2 || !d.OK() {
		t.Errorf("unexpected delivery: %+v", d)
	}
	if bus.HistoryLen() != 1 {
		t.Errorf("expected 1 history entry, got %d", bus.HistoryLen())
	}
}

func TestBusHandlersRunConcurrently(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	// Each handler waits for the other; a sequential bus would deadlock.
	var ready sync.WaitGroup
	ready.Add(2)
	handler := func(ctx context.Context, env event.Envelope) error {
		ready.Done()
		ready.Wait()
		return nil
	}
	bus.Subscribe("x", handler)
	bus.Subscribe("x", handler)

	done := make(chan struct{})
	go func() {
		_, _ = bus.Publish(context.Background(), "x", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not complete; handlers are not concurrent")
	}
}

func TestBusHandlerFailureIsolation(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	var okCalls atomic.Int32
	boom := errors.New("boom")

	failID := bus.Subscribe("payment.received", func(ctx context.Context, env event.Envelope) error {
		return boom
	})
	panicID := bus.Subscribe("payment.received", func(ctx context.Context, env event.Envelope) error {
		panic("handler exploded")
	})
	bus.Subscribe("payment.received", func(ctx context.Context, env event.Envelope) error {
		okCalls.Add(1)
		return nil
	})

	d, err := bus.Publish(context.Background(), "payment.received", nil)
	if err != nil {
		t.Fatalf("publish must not fail on handler errors: %v", err)
	}
	if okCalls.Load() != 1 {
		t.Errorf("expected healthy handler to run once, got %d", okCalls.Load())
	}
	if d.Handlers != 3 {
		t.Errorf("expected 3 handlers, got %d", d.Handlers)
	}
	if len(d.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(d.Failures))
	}

	var sawErr, sawPanic bool
	for _, f := range d.Failures {
		switch f.SubscriptionID {
		case failID:
			sawErr = errors.Is(f, boom)
		case panicID:
			sawPanic = f.Panicked
		}
	}
	if !sawErr || !sawPanic {
		t.Errorf("expected error and panic failures, got %v", d.Err())
	}
	if !errors.Is(d.Err(), boom) {
		t.Error("joined delivery error should wrap handler error")
	}
}

func TestBusZeroSubscribers(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	d, err := bus.Publish(context.Background(), "nobody.listens", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Handlers != 0 || !d.OK() {
		t.Errorf("unexpected delivery: %+v", d)
	}

	h := bus.History(0)
	if len(h) != 1 || h[0].Name != "nobody.listens" {
		t.Errorf("expected exactly one history entry, got %+v", h)
	}
}

func TestBusLateSubscriberMissesEvent(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	_, _ = bus.Publish(context.Background(), "report.requested", nil)

	var calls atomic.Int32
	bus.Subscribe("report.requested", func(ctx context.Context, env event.Envelope) error {
		calls.Add(1)
		return nil
	})

	if calls.Load() != 0 {
		t.Errorf("late subscriber should not see earlier events, got %d", calls.Load())
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	var calls atomic.Int32
	id := bus.Subscribe("a", func(ctx context.Context, env event.Envelope) error {
		calls.Add(1)
		return nil
	})

	if bus.SubscriberCount("a") != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.SubscriberCount("a"))
	}
	if !bus.Unsubscribe(id) {
		t.Error("expected unsubscribe to report removal")
	}
	if bus.Unsubscribe(id) {
		t.Error("second unsubscribe should be a no-op")
	}
	if bus.Unsubscribe("sub_unknown") {
		t.Error("unknown id should be a no-op")
	}

	_, _ = bus.Publish(context.Background(), "a", nil)
	if calls.Load() != 0 {
		t.Errorf("unsubscribed handler invoked %d times", calls.Load())
	}
	if bus.SubscriberCount("a") != 0 {
		t.Errorf("expected 0 subscribers, got %d", bus.SubscriberCount("a"))
	}
	if len(bus.EventNames()) != 0 {
		t.Errorf("expected no event names, got %v", bus.EventNames())
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	var names []string
	var mu sync.Mutex
	bus.SubscribeAll(func(ctx context.Context, env event.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		names = append(names, env.Name)
		return nil
	})

	for _, n := range []string{"a", "b", "c"} {
		_, _ = bus.Publish(context.Background(), n, nil)
	}

	if len(names) != 3 {
		t.Errorf("expected 3 events, got %v", names)
	}
	if bus.SubscriberCount("a") != 0 {
		t.Error("wildcard subscriptions are not counted per name")
	}
}

func TestBusClearAllSubscriptions(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	var calls atomic.Int32
	h := func(ctx context.Context, env event.Envelope) error {
		calls.Add(1)
		return nil
	}
	bus.Subscribe("a", h)
	bus.Subscribe("b", h)
	bus.SubscribeAll(h)

	bus.ClearAllSubscriptions()

	d, _ := bus.Publish(context.Background(), "a", nil)
	if calls.Load() != 0 || d.Handlers != 0 {
		t.Errorf("expected no handlers after clear, got %d calls", calls.Load())
	}
	if len(bus.EventNames()) != 0 {
		t.Errorf("expected no event names, got %v", bus.EventNames())
	}
}

func TestBusEventNames(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	h := func(ctx context.Context, env event.Envelope) error { return nil }

	bus.Subscribe("payment.received", h)
	bus.Subscribe("invoice.created", h)
	bus.Subscribe("invoice.created", h)

	names := bus.EventNames()
	if len(names) != 2 || names[0] != "invoice.created" || names[1] != "payment.received" {
		t.Errorf("unexpected names: %v", names)
	}
	if bus.SubscriberCount("invoice.created") != 2 {
		t.Errorf("expected 2 subscribers, got %d", bus.SubscriberCount("invoice.created"))
	}
}

func TestBusHistoryBounded(t *testing.T) {
	bus := event.NewBus(event.BusConfig{HistorySize: 5})

	for i := 0; i < 8; i++ {
		_, _ = bus.Publish(context.Background(), "tick", i)
	}

	h := bus.History(0)
	if len(h) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(h))
	}
	// Oldest entries were dropped; remaining are 3..7 in order.
	for i, env := range h {
		got, err := event.Decode[int](env)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != i+3 {
			t.Errorf("entry %d: expected %d, got %d", i, i+3, got)
		}
	}

	last := bus.History(2)
	if len(last) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(last))
	}
	if v, _ := event.Decode[int](last[1]); v != 7 {
		t.Errorf("expected most recent last, got %d", v)
	}
}

func TestBusDefaultHistorySize(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	for i := 0; i < event.DefaultHistorySize+1; i++ {
		_, _ = bus.Publish(context.Background(), "tick", nil)
	}
	if bus.HistoryLen() != event.DefaultHistorySize {
		t.Errorf("expected %d entries, got %d", event.DefaultHistorySize, bus.HistoryLen())
	}
}

func TestBusRedeliverSkipsHistory(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	var calls atomic.Int32
	bus.Subscribe("a", func(ctx context.Context, env event.Envelope) error {
		calls.Add(1)
		return nil
	})

	env, err := event.NewEnvelope("a", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	d := bus.Redeliver(context.Background(), env)

	if calls.Load() != 1 || d.Handlers != 1 {
		t.Errorf("expected redelivery to reach handler once, got %d", calls.Load())
	}
	if bus.HistoryLen() != 0 {
		t.Errorf("redelivery must not append history, got %d", bus.HistoryLen())
	}
}

func TestBusHandlerTimeout(t *testing.T) {
	bus := event.NewBus(event.BusConfig{HandlerTimeout: 20 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	bus.Subscribe("slow", func(ctx context.Context, env event.Envelope) error {
		<-release
		return nil
	})

	start := time.Now()
	d, _ := bus.Publish(context.Background(), "slow", nil)
	if time.Since(start) > time.Second {
		t.Error("publish waited past the handler timeout")
	}
	if len(d.Failures) != 1 || !errors.Is(d.Failures[0], event.ErrHandlerTimeout) {
		t.Errorf("expected timeout failure, got %v", d.Err())
	}
}

func TestBusEmptyName(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	if _, err := bus.Publish(context.Background(), "", nil); !errors.Is(err, event.ErrEmptyName) {
		t.Errorf("expected ErrEmptyName, got %v", err)
	}
	if id := bus.Subscribe("", func(context.Context, event.Envelope) error { return nil }); id != "" {
		t.Errorf("expected empty id, got %q", id)
	}
	if bus.HistoryLen() != 0 {
		t.Error("rejected publish must not be recorded")
	}
}

func TestBusRegistryValidation(t *testing.T) {
	reg := event.NewRegistry()
	event.RegisterDomainEvents(reg)
	bus := event.NewBus(event.BusConfig{Registry: reg})

	var calls atomic.Int32
	bus.Subscribe(event.InvoiceCreated, func(ctx context.Context, env event.Envelope) error {
		calls.Add(1)
		return nil
	})

	_, err := bus.Publish(context.Background(), event.InvoiceCreated, event.InvoicePayload{Number: "F-1"})
	if !errors.Is(err, event.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if calls.Load() != 0 || bus.HistoryLen() != 0 {
		t.Error("invalid payload must be rejected before delivery and history")
	}

	_, err = bus.Publish(context.Background(), event.InvoiceCreated, event.InvoicePayload{InvoiceID: "inv-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestBusConcurrentPublishSubscribe(t *testing.T) {
	bus := event.NewBus(event.BusConfig{HistorySize: 50})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := bus.Subscribe("c", func(context.Context, event.Envelope) error { return nil })
			bus.Unsubscribe(id)
		}()
		go func() {
			defer wg.Done()
			_, _ = bus.Publish(context.Background(), "c", nil)
		}()
	}
	wg.Wait()

	if bus.HistoryLen() != 20 {
		t.Errorf("expected 20 history entries, got %d", bus.HistoryLen())
	}
}
