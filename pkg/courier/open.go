package courier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/courier/pkg/courier/config"
	"github.com/randalmurphal/courier/pkg/courier/eventlog"
	"github.com/randalmurphal/courier/pkg/courier/msglog"
	"github.com/randalmurphal/courier/pkg/courier/observability"
	"github.com/randalmurphal/courier/pkg/courier/ratelimit"
	"github.com/randalmurphal/courier/pkg/courier/sqlstore"
	"github.com/randalmurphal/courier/pkg/courier/transport/natsbus"
)

// ErrNoGateway is returned by Open when no NATS URL is configured.
var ErrNoGateway = errors.New("nats.url is required")

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Stores opens the event and message stores selected by opts. The returned
// closer releases them.
func Stores(ctx context.Context, opts config.StoreOptions) (eventlog.Store, msglog.Store, io.Closer, error) {
	switch opts.Driver {
	case "", config.DriverMemory:
		return eventlog.NewMemoryStore(), msglog.NewMemoryStore(), closerFunc(func() error { return nil }), nil
	default:
		st, err := sqlstore.Open(ctx, opts.Driver, opts.DSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open %s store: %w", opts.Driver, err)
		}
		return st, st, st, nil
	}
}

// Open builds a service from settings: the configured stores, a Redis
// counter store when ratelimit.redis_addr is set, the NATS gateway
// transport, and the event forwarder when nats.forward_events is on.
// Metrics and spans go to the global OpenTelemetry providers.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	opts := cfg.Options()
	if opts.NATS.URL == "" {
		return nil, ErrNoGateway
	}
	if logger == nil {
		logger = slog.Default()
	}

	var closers []io.Closer
	fail := func(err error) (*Service, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	events, messages, storeCloser, err := Stores(ctx, opts.Store)
	if err != nil {
		return nil, err
	}
	closers = append(closers, storeCloser)

	var counters ratelimit.CounterStore
	if opts.RateLimit.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.RateLimit.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fail(fmt.Errorf("ping redis at %s: %w", opts.RateLimit.RedisAddr, err))
		}
		closers = append(closers, rdb)
		counters = ratelimit.NewRedisStore(rdb)
	}

	transport := natsbus.New(natsbus.Config{
		URL:        opts.NATS.URL,
		Prefix:     opts.NATS.Prefix,
		SelfID:     opts.NATS.SelfID,
		AwaitReady: opts.NATS.AwaitReady,
		Logger:     logger,
	})

	var forwarder *natsbus.Forwarder
	if opts.NATS.ForwardEvents {
		nc, err := natsbus.Dial(opts.NATS.URL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, closerFunc(func() error {
			return nc.Drain()
		}))
		forwarder = natsbus.NewForwarder(nc, opts.NATS.Prefix, logger)
	}

	svc, err := New(Config{
		Options:      &opts,
		Settings:     cfg,
		Transport:    transport,
		EventStore:   events,
		MessageStore: messages,
		CounterStore: counters,
		Closers:      closers,
		Logger:       logger,
		Metrics:      observability.NewMetricsRecorder(),
		Spans:        observability.NewSpanManager(),
	})
	if err != nil {
		return fail(err)
	}
	if forwarder != nil {
		forwarder.Attach(svc.Bus())
	}
	return svc, nil
}
