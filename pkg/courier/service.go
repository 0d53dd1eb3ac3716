package courier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/randalmurphal/courier/pkg/courier/command"
	"github.com/randalmurphal/courier/pkg/courier/config"
	"github.com/randalmurphal/courier/pkg/courier/connection"
	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/eventlog"
	"github.com/randalmurphal/courier/pkg/courier/msglog"
	"github.com/randalmurphal/courier/pkg/courier/notify"
	"github.com/randalmurphal/courier/pkg/courier/observability"
	"github.com/randalmurphal/courier/pkg/courier/ratelimit"
)

// Config wires a Service. Only Transport is required; every store defaults
// to its in-memory implementation.
type Config struct {
	// Options are the resolved runtime settings.
	// Default: config.New(nil).Options()
	Options *config.Options

	// Settings backs lookups such as the notifier's default recipient.
	Settings config.Settings

	Transport    connection.Transport
	EventStore   eventlog.Store
	MessageStore msglog.Store
	CounterStore ratelimit.CounterStore

	// Registry validates published payloads.
	// Default: a registry with the domain events registered
	Registry *event.Registry

	// Scheduler drives retry passes.
	// Default: eventlog.TickerScheduler
	Scheduler eventlog.Scheduler

	// Closers are closed, last first, when the service closes.
	Closers []io.Closer

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// Service is the composition root: it owns every component and exposes the
// control plane.
type Service struct {
	opts     config.Options
	logger   *slog.Logger
	registry *event.Registry

	bus        *event.Bus
	events     *eventlog.Log
	retries    *eventlog.Coordinator
	limiter    *ratelimit.Limiter
	messages   *msglog.Log
	router     *command.Router
	connection *connection.Manager
	notifier   *notify.Notifier

	closers []io.Closer

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
}

// New builds a service from cfg. Nothing runs until Start.
func New(cfg Config) (*Service, error) {
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}

	opts := config.New(nil).Options()
	if cfg.Options != nil {
		opts = *cfg.Options
	}
	if cfg.EventStore == nil {
		cfg.EventStore = eventlog.NewMemoryStore()
	}
	if cfg.MessageStore == nil {
		cfg.MessageStore = msglog.NewMemoryStore()
	}
	if cfg.CounterStore == nil {
		cfg.CounterStore = ratelimit.NewMemoryStore()
	}
	if cfg.Registry == nil {
		cfg.Registry = event.NewRegistry()
		event.RegisterDomainEvents(cfg.Registry)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bus := event.NewBus(event.BusConfig{
		HistorySize:    opts.Bus.HistorySize,
		HandlerTimeout: opts.Bus.HandlerTimeout,
		Registry:       cfg.Registry,
		Logger:         logger,
		Metrics:        cfg.Metrics,
		Spans:          cfg.Spans,
	})

	events := eventlog.NewLog(cfg.EventStore,
		eventlog.WithMaxRetries(opts.Retry.MaxRetries),
		eventlog.WithLogger(logger),
	)
	retries := eventlog.NewCoordinator(events, eventlog.CoordinatorConfig{
		Interval:       opts.Retry.Interval,
		Concurrency:    opts.Retry.Concurrency,
		PendingTimeout: opts.Retry.PendingTimeout,
		Scheduler:      cfg.Scheduler,
		Logger:         logger,
		Metrics:        cfg.Metrics,
		Spans:          cfg.Spans,
	})

	limiter := ratelimit.New(
		ratelimit.WithStore(cfg.CounterStore),
		ratelimit.WithLimits(opts.RateLimit.Limits),
		ratelimit.WithSweepInterval(opts.RateLimit.SweepInterval),
		ratelimit.WithLogger(logger),
	)

	messages, err := msglog.NewLog(cfg.MessageStore, msglog.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("message log: %w", err)
	}

	router := command.NewRouter(command.Config{Messages: messages, Logger: logger})

	manager := connection.NewManager(cfg.Transport, limiter, connection.Config{
		ReconnectDelay:  opts.Connection.ReconnectDelay,
		ErrorRetryDelay: opts.Connection.ErrorRetryDelay,
		ConnectTimeout:  opts.Connection.ConnectTimeout,
		MinSendInterval: opts.Connection.MinSendInterval,
		AutoReply:       opts.Connection.AutoReply,
		Emitter:         bus,
		Router:          router,
		Messages:        messages,
		Logger:          logger,
		Metrics:         cfg.Metrics,
	})

	return &Service{
		opts:       opts,
		logger:     observability.Component(logger, "service"),
		registry:   cfg.Registry,
		bus:        bus,
		events:     events,
		retries:    retries,
		limiter:    limiter,
		messages:   messages,
		router:     router,
		connection: manager,
		notifier:   notify.New(manager, notify.Config{Settings: cfg.Settings, Logger: logger}),
		closers:    cfg.Closers,
	}, nil
}

// Bus returns the event bus.
func (s *Service) Bus() *event.Bus { return s.bus }

// Router returns the command router, for registering extra intents.
func (s *Service) Router() *command.Router { return s.router }

// Events returns the event log.
func (s *Service) Events() *eventlog.Log { return s.events }

// Options returns the settings the service was built with.
func (s *Service) Options() config.Options { return s.opts }

// Start attaches the notifier and starts the retry coordinator and the
// rate limit janitor. The channel is not connected; call RequestConnect.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := s.retries.Start(runCtx, s.retry); err != nil {
		cancel()
		return fmt.Errorf("start retry coordinator: %w", err)
	}
	s.limiter.StartJanitor(runCtx)
	s.notifier.Attach(s.bus)

	s.cancel = cancel
	s.started = true
	s.logger.Info("service started")
	return nil
}

// Close stops background work, closes the connection and releases the
// configured closers. Close is idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.retries.Stop()
	if cancel != nil {
		cancel()
	}
	s.notifier.Detach()

	var errs []error
	if err := s.connection.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("service closed")
	return errors.Join(errs...)
}

// retry re-delivers a stored event to the current subscribers. It succeeds
// only when every handler does.
func (s *Service) retry(ctx context.Context, rec eventlog.Record) (bool, error) {
	d := s.bus.Redeliver(ctx, rec.Envelope())
	if d.OK() {
		return true, nil
	}
	return false, d.Err()
}

// RetryNow runs one retry pass immediately.
func (s *Service) RetryNow(ctx context.Context) eventlog.TickResult {
	return s.retries.Tick(ctx)
}
