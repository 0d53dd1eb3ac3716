package event

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/randalmurphal/courier/pkg/courier/observability"
)

// DefaultHistorySize is the number of published events kept by History.
const DefaultHistorySize = 1000

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// SubscriptionID identifies one subscription. It is opaque to callers.
type SubscriptionID string

// BusConfig configures bus behavior.
type BusConfig struct {
	// HistorySize bounds the publish history; the oldest entry is dropped
	// once it is exceeded.
	// Default: 1000
	HistorySize int

	// HandlerTimeout bounds each handler invocation. A handler still running
	// at the deadline is reported as failed with ErrHandlerTimeout and the
	// publish returns without waiting for it.
	// Default: 0 (wait for every handler)
	HandlerTimeout time.Duration

	// Registry validates payloads before they are published.
	// Default: nil (no validation)
	Registry *Registry

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Bus is an in-memory publish/subscribe bus with concurrent fan-out.
type Bus struct {
	config BusConfig
	logger *slog.Logger

	mu        sync.RWMutex
	byName    map[string][]*subscription
	wildcards []*subscription
	byID      map[SubscriptionID]*subscription

	histMu  sync.Mutex
	history []Envelope
	histPos int
	histLen int

	nextID atomic.Int64
}

type subscription struct {
	id      SubscriptionID
	name    string // empty = all events
	handler Handler
	active  atomic.Bool
}

// NewBus creates a bus.
func NewBus(config BusConfig) *Bus {
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultHistorySize
	}
	if config.Metrics == nil {
		config.Metrics = observability.NoopMetrics{}
	}
	if config.Spans == nil {
		config.Spans = observability.NoopSpanManager{}
	}

	return &Bus{
		config:  config,
		logger:  observability.Component(config.Logger, "event_bus"),
		byName:  make(map[string][]*subscription),
		byID:    make(map[SubscriptionID]*subscription),
		history: make([]Envelope, config.HistorySize),
	}
}

// Subscribe registers handler for one event name. Handlers for the same name
// are started in subscription order.
func (b *Bus) Subscribe(name string, handler Handler) SubscriptionID {
	if name == "" || handler == nil {
		return ""
	}
	return b.subscribe(name, handler)
}

// SubscribeAll registers handler for every event name.
func (b *Bus) SubscribeAll(handler Handler) SubscriptionID {
	if handler == nil {
		return ""
	}
	return b.subscribe("", handler)
}

func (b *Bus) subscribe(name string, handler Handler) SubscriptionID {
	sub := &subscription{
		id:      b.newID(),
		name:    name,
		handler: handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		b.wildcards = append(b.wildcards, sub)
	} else {
		b.byName[name] = append(b.byName[name], sub)
	}
	b.byID[sub.id] = sub
	return sub.id
}

func (b *Bus) newID() SubscriptionID {
	token, err := gonanoid.Generate(idAlphabet, 12)
	if err != nil {
		token = strconv.FormatInt(b.nextID.Add(1), 36)
	}
	return SubscriptionID("sub_" + token)
}

// Unsubscribe removes a subscription. It reports whether the id was
// registered; unknown ids are a no-op. Publishes that start after
// Unsubscribe returns never invoke the handler. A publish already in flight
// skips it unless the handler call has already begun.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	sub.active.Store(false)
	delete(b.byID, id)

	if sub.name == "" {
		b.wildcards = removeSub(b.wildcards, sub)
		return true
	}
	remaining := removeSub(b.byName[sub.name], sub)
	if len(remaining) == 0 {
		delete(b.byName, sub.name)
	} else {
		b.byName[sub.name] = remaining
	}
	return true
}

func removeSub(subs []*subscription, target *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// ClearAllSubscriptions removes every subscription.
func (b *Bus) ClearAllSubscriptions() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.byID {
		sub.active.Store(false)
	}
	b.byName = make(map[string][]*subscription)
	b.byID = make(map[SubscriptionID]*subscription)
	b.wildcards = nil
}

// SubscriberCount returns the number of subscriptions for an event name,
// not counting SubscribeAll subscriptions.
func (b *Bus) SubscriberCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byName[name])
}

// EventNames returns the event names that have at least one subscriber,
// sorted.
func (b *Bus) EventNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.byName))
	for name := range b.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Publish encodes payload into a new envelope and publishes it.
func (b *Bus) Publish(ctx context.Context, name string, payload any) (Delivery, error) {
	if name == "" {
		return Delivery{}, ErrEmptyName
	}
	env, err := NewEnvelope(name, payload)
	if err != nil {
		return Delivery{}, err
	}
	return b.PublishEnvelope(ctx, env)
}

// PublishEnvelope records env in the history and delivers it to every
// current subscriber, waiting for all of them. The returned error is only set
// when env is rejected before delivery.
func (b *Bus) PublishEnvelope(ctx context.Context, env Envelope) (Delivery, error) {
	if env.Name == "" {
		return Delivery{}, ErrEmptyName
	}
	if b.config.Registry != nil {
		if err := b.config.Registry.Validate(env); err != nil {
			return Delivery{}, err
		}
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	b.appendHistory(env)
	return b.deliver(ctx, env), nil
}

// Redeliver delivers env to every current subscriber without recording it
// in the history.
func (b *Bus) Redeliver(ctx context.Context, env Envelope) Delivery {
	return b.deliver(ctx, env)
}

func (b *Bus) deliver(ctx context.Context, env Envelope) Delivery {
	ctx, span := b.config.Spans.StartPublishSpan(ctx, env.Name)
	elapsed := observability.TimedOperation()
	start := time.Now()

	subs := b.matching(env.Name)
	d := Delivery{EventID: env.ID, Handlers: len(subs)}

	if len(subs) > 0 {
		results := make([]*HandlerError, len(subs))
		var wg sync.WaitGroup
		for i, sub := range subs {
			wg.Add(1)
			go func(i int, sub *subscription) {
				defer wg.Done()
				results[i] = b.invoke(ctx, sub, env)
			}(i, sub)
		}
		wg.Wait()

		for _, herr := range results {
			if herr == nil {
				continue
			}
			d.Failures = append(d.Failures, herr)
			observability.LogHandlerFailure(b.logger, env.Name, string(herr.SubscriptionID), herr)
		}
	}

	b.config.Metrics.RecordPublish(ctx, env.Name, d.Handlers, len(d.Failures), time.Since(start))
	observability.LogPublish(b.logger, env.Name, d.Handlers, len(d.Failures), elapsed())
	b.config.Spans.EndSpanWithError(span, d.Err())
	return d
}

// matching snapshots the subscriptions for name: named subscriptions first,
// then wildcards, each in subscription order.
func (b *Bus) matching(name string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	named := b.byName[name]
	subs := make([]*subscription, 0, len(named)+len(b.wildcards))
	subs = append(subs, named...)
	subs = append(subs, b.wildcards...)
	return subs
}

// invoke runs one handler, converting errors, panics and timeouts into a
// HandlerError.
func (b *Bus) invoke(ctx context.Context, sub *subscription, env Envelope) *HandlerError {
	if !sub.active.Load() {
		return nil
	}

	if b.config.HandlerTimeout <= 0 {
		return b.call(ctx, sub, env)
	}

	hctx, cancel := context.WithTimeout(ctx, b.config.HandlerTimeout)
	defer cancel()

	done := make(chan *HandlerError, 1)
	go func() {
		done <- b.call(hctx, sub, env)
	}()

	select {
	case herr := <-done:
		return herr
	case <-hctx.Done():
		return &HandlerError{
			EventID:        env.ID,
			EventName:      env.Name,
			SubscriptionID: sub.id,
			Err:            ErrHandlerTimeout,
		}
	}
}

func (b *Bus) call(ctx context.Context, sub *subscription, env Envelope) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{
				EventID:        env.ID,
				EventName:      env.Name,
				SubscriptionID: sub.id,
				Panicked:       true,
				Err:            fmt.Errorf("%v", r),
			}
		}
	}()

	if err := sub.handler(ctx, env); err != nil {
		return &HandlerError{
			EventID:        env.ID,
			EventName:      env.Name,
			SubscriptionID: sub.id,
			Err:            err,
		}
	}
	return nil
}

func (b *Bus) appendHistory(env Envelope) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	b.history[b.histPos] = env
	b.histPos = (b.histPos + 1) % len(b.history)
	if b.histLen < len(b.history) {
		b.histLen++
	}
}

// History returns up to limit of the most recent events, oldest first.
// A limit <= 0 returns the whole history.
func (b *Bus) History(limit int) []Envelope {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	n := b.histLen
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]Envelope, n)
	size := len(b.history)
	start := (b.histPos - n + size) % size
	for i := 0; i < n; i++ {
		out[i] = b.history[(start+i)%size]
	}
	return out
}

// HistoryLen returns the number of events currently held in the history.
func (b *Bus) HistoryLen() int {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.histLen
}
