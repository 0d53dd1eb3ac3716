package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/courier/pkg/courier/observability"
)

// DefaultRetryInterval is how often the coordinator looks for failed events.
const DefaultRetryInterval = 5 * time.Second

// DefaultRetryConcurrency bounds the retries running at once in one tick.
const DefaultRetryConcurrency = 8

// DefaultPendingTimeout is how long a record may stay pending before a
// retry pass treats its publish as interrupted.
const DefaultPendingTimeout = 5 * time.Minute

// ErrAlreadyRunning is returned by Start when the coordinator is running.
var ErrAlreadyRunning = errors.New("retry coordinator already running")

// RetryHandler attempts to deliver a logged event again. It reports success
// with true; false or an error count as a failed attempt.
type RetryHandler func(ctx context.Context, rec Record) (bool, error)

// Scheduler calls tick every interval until the returned stop function is
// called or ctx is done. Stop waits for a tick in progress to return.
type Scheduler interface {
	Schedule(ctx context.Context, interval time.Duration, tick func(context.Context)) (stop func())
}

// TickerScheduler is a Scheduler backed by time.Ticker.
type TickerScheduler struct{}

// Schedule implements Scheduler.
func (TickerScheduler) Schedule(ctx context.Context, interval time.Duration, tick func(context.Context)) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var inflight sync.WaitGroup
		defer inflight.Wait()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					tick(ctx)
				}()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Interval between retry passes.
	// Default: 5 seconds
	Interval time.Duration

	// Concurrency bounds the retries run at once within one pass.
	// Default: 8
	Concurrency int

	// PendingTimeout is the age past which a pending record is moved to
	// failed at the start of a pass.
	// Default: 5 minutes
	PendingTimeout time.Duration

	// Scheduler drives the passes.
	// Default: TickerScheduler
	Scheduler Scheduler

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// TickResult summarizes one retry pass.
type TickResult struct {
	Skipped   bool
	Recovered int
	Attempted int
	Succeeded int
	Failed    int
	Exhausted int
}

// Coordinator periodically retries failed events.
type Coordinator struct {
	log    *Log
	cfg    CoordinatorConfig
	logger *slog.Logger

	mu      sync.Mutex
	handler RetryHandler
	stop    func()
	running bool

	ticking atomic.Bool
}

// NewCoordinator creates a coordinator for log.
func NewCoordinator(log *Log, cfg CoordinatorConfig) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRetryInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultRetryConcurrency
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = DefaultPendingTimeout
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = TickerScheduler{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}

	return &Coordinator{
		log:    log,
		cfg:    cfg,
		logger: observability.Component(cfg.Logger, "retry_coordinator"),
	}
}

// Start begins periodic retries with handler.
func (c *Coordinator) Start(ctx context.Context, handler RetryHandler) error {
	if handler == nil {
		return fmt.Errorf("retry handler is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	c.handler = handler
	c.running = true
	c.stop = c.cfg.Scheduler.Schedule(ctx, c.cfg.Interval, func(ctx context.Context) {
		c.Tick(ctx)
	})

	c.logger.Info("retry coordinator started",
		slog.Duration("interval", c.cfg.Interval),
		slog.Int("concurrency", c.cfg.Concurrency),
	)
	return nil
}

// Stop halts periodic retries and waits for a pass in progress.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	stop := c.stop
	c.running = false
	c.stop = nil
	c.mu.Unlock()

	stop()
	c.logger.Info("retry coordinator stopped")
}

// Running reports whether periodic retries are active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Tick runs one retry pass. A pass that starts while another is still
// running is skipped. Each pass first moves records stranded in retrying,
// and pending records older than PendingTimeout, back to failed.
func (c *Coordinator) Tick(ctx context.Context) TickResult {
	if !c.ticking.CompareAndSwap(false, true) {
		c.logger.Debug("retry pass skipped, previous pass still running")
		return TickResult{Skipped: true}
	}
	defer c.ticking.Store(false)

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return TickResult{}
	}

	var res TickResult
	recovered, err := c.log.RecoverInterrupted(ctx, c.log.now().Add(-c.cfg.PendingTimeout))
	if err != nil {
		c.logger.Error("recover interrupted events", slog.String("error", err.Error()))
	}
	res.Recovered = recovered

	failed, err := c.log.FailedEvents(ctx)
	if err != nil {
		c.logger.Error("load failed events", slog.String("error", err.Error()))
		return res
	}

	var (
		resMu sync.Mutex
		g     errgroup.Group
	)
	g.SetLimit(c.cfg.Concurrency)

	for _, rec := range failed {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ok, exhausted := c.retryOne(ctx, handler, rec)
			resMu.Lock()
			defer resMu.Unlock()
			res.Attempted++
			switch {
			case ok:
				res.Succeeded++
			case exhausted:
				res.Failed++
				res.Exhausted++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	return res
}

// retryOne performs one attempt and reports success and whether the retry
// budget is now exhausted.
func (c *Coordinator) retryOne(ctx context.Context, handler RetryHandler, rec Record) (bool, bool) {
	attempt := rec.RetryCount + 1
	ctx, span := c.cfg.Spans.StartRetrySpan(ctx, rec.ID, rec.Name, attempt)

	if err := c.log.UpdateStatus(ctx, rec.ID, StatusRetrying, rec.Error); err != nil {
		c.logger.Warn("mark event retrying",
			slog.String("event_id", rec.ID),
			slog.String("error", err.Error()),
		)
		c.cfg.Spans.EndSpanWithError(span, err)
		return false, false
	}

	ok, herr := safeRetry(ctx, handler, rec)

	// The outcome is recorded even when the pass was cancelled meanwhile.
	wctx := context.WithoutCancel(ctx)
	if ok && herr == nil {
		if err := c.log.UpdateStatus(wctx, rec.ID, StatusSuccess, ""); err != nil {
			c.logger.Error("mark event success",
				slog.String("event_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		c.cfg.Metrics.RecordRetry(ctx, rec.Name, true)
		observability.LogRetryOutcome(c.logger, rec.ID, rec.Name, attempt, true, false)
		c.cfg.Spans.EndSpanWithError(span, nil)
		return true, false
	}

	msg := "retry handler reported failure"
	if herr != nil {
		msg = herr.Error()
	}

	// A pass stopped mid-attempt does not use up retry budget.
	if ctx.Err() != nil {
		if err := c.log.UpdateStatus(wctx, rec.ID, StatusFailed, Interrupted); err != nil {
			c.logger.Error("requeue interrupted retry",
				slog.String("event_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
		c.cfg.Spans.EndSpanWithError(span, ctx.Err())
		return false, false
	}

	updated, err := c.log.RecordRetryFailure(wctx, rec.ID, msg)
	if err != nil {
		c.logger.Error("record retry failure",
			slog.String("event_id", rec.ID),
			slog.String("error", err.Error()),
		)
		c.cfg.Spans.EndSpanWithError(span, err)
		return false, false
	}

	exhausted := updated.RetryCount >= updated.MaxRetries
	c.cfg.Metrics.RecordRetry(ctx, rec.Name, false)
	observability.LogRetryOutcome(c.logger, rec.ID, rec.Name, attempt, false, exhausted)
	c.cfg.Spans.EndSpanWithError(span, errors.New(msg))
	return false, exhausted
}

// safeRetry calls handler, turning a panic into an error.
func safeRetry(ctx context.Context, handler RetryHandler, rec Record) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("retry handler panicked: %v", r)
		}
	}()
	return handler(ctx, rec)
}
