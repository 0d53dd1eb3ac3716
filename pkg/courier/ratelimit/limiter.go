// Package ratelimit provides per-identity admission control for outbound
// channel sends.
//
// Every identity owns three fixed windows (minute, hour, day). A window's
// counter resets entirely when its reset time elapses; it does not decay.
// CanSend checks the windows in that order and reports the first one that is
// exhausted together with the time left until it resets. RecordSent is a
// separate step and always increments all three windows.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Limits holds the maximum number of sends per window.
type Limits struct {
	PerMinute int `json:"per_minute"`
	PerHour   int `json:"per_hour"`
	PerDay    int `json:"per_day"`
}

// DefaultLimits are applied when no limits are configured.
var DefaultLimits = Limits{
	PerMinute: 20,
	PerHour:   100,
	PerDay:    500,
}

// For returns the limit for a window.
func (l Limits) For(w Window) int {
	switch w {
	case Minute:
		return l.PerMinute
	case Hour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Window is the window that denied the send. Only set when Allowed is false.
	Window Window `json:"-"`

	// RetryAfter is the time until the denying window resets.
	RetryAfter time.Duration `json:"-"`

	// Reason is a human readable explanation for a denial.
	Reason string `json:"reason,omitempty"`
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
// A denial always reports at least one second.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Stats reports the live counters for an identity.
type Stats struct {
	MinuteCount int `json:"minute_count"`
	HourCount   int `json:"hour_count"`
	DayCount    int `json:"day_count"`
}

// DefaultSweepInterval is how often the janitor removes expired counters.
const DefaultSweepInterval = 5 * time.Minute

// Limiter decides whether an identity may be sent another message.
// It is safe for concurrent use.
type Limiter struct {
	store      CounterStore
	logger     *slog.Logger
	now        func() time.Time
	sweepEvery time.Duration

	mu     sync.RWMutex
	limits Limits
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore sets the counter store. Default: a new MemoryStore.
func WithStore(s CounterStore) Option {
	return func(l *Limiter) { l.store = s }
}

// WithLimits sets the initial limits. Default: DefaultLimits.
func WithLimits(limits Limits) Option {
	return func(l *Limiter) { l.limits = limits }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used to report store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithSweepInterval sets the janitor interval. Zero disables the janitor.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepEvery = d }
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		limits:     DefaultLimits,
		now:        time.Now,
		sweepEvery: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Configure replaces the limits for subsequent checks. Counters already
// recorded are kept. Non-positive values leave that window unchanged.
func (l *Limiter) Configure(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limits.PerMinute > 0 {
		l.limits.PerMinute = limits.PerMinute
	}
	if limits.PerHour > 0 {
		l.limits.PerHour = limits.PerHour
	}
	if limits.PerDay > 0 {
		l.limits.PerDay = limits.PerDay
	}
}

// Limits returns the current limits.
func (l *Limiter) Limits() Limits {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits
}

// CanSend reports whether identity may be sent another message now.
// Windows are checked minute, hour, day; the first exhausted one wins.
func (l *Limiter) CanSend(ctx context.Context, identity string) Decision {
	now := l.now()
	limits := l.Limits()

	for _, w := range Windows {
		c, err := l.store.Get(ctx, identity, w, now)
		if err != nil {
			// A broken store must not block the send path.
			l.logger.Warn("rate limit lookup failed",
				slog.String("identity", identity),
				slog.String("window", w.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		limit := limits.For(w)
		if c.Count >= limit {
			return Decision{
				Allowed:    false,
				Window:     w,
				RetryAfter: c.ResetAt.Sub(now),
				Reason:     fmt.Sprintf("%s limit reached (%d/%d)", w, c.Count, limit),
			}
		}
	}

	return Decision{Allowed: true}
}

// RecordSent counts one send against every window of identity. It does not
// check the limits; callers are expected to call CanSend first.
func (l *Limiter) RecordSent(ctx context.Context, identity string) {
	now := l.now()
	for _, w := range Windows {
		if _, err := l.store.Incr(ctx, identity, w, now); err != nil {
			l.logger.Warn("rate limit record failed",
				slog.String("identity", identity),
				slog.String("window", w.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Stats returns the live counters for identity. Expired windows read as zero.
func (l *Limiter) Stats(ctx context.Context, identity string) Stats {
	now := l.now()
	var counts [3]int
	for i, w := range Windows {
		c, err := l.store.Get(ctx, identity, w, now)
		if err != nil {
			continue
		}
		counts[i] = c.Count
	}
	return Stats{
		MinuteCount: counts[Minute],
		HourCount:   counts[Hour],
		DayCount:    counts[Day],
	}
}

// Clear drops every counter of identity.
func (l *Limiter) Clear(ctx context.Context, identity string) {
	if err := l.store.Clear(ctx, identity); err != nil {
		l.logger.Warn("rate limit clear failed",
			slog.String("identity", identity),
			slog.String("error", err.Error()),
		)
	}
}

// Sweep removes expired counters and returns how many were removed.
func (l *Limiter) Sweep() int {
	return l.store.Sweep(l.now())
}

// StartJanitor sweeps expired counters periodically until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context) {
	if l.sweepEvery <= 0 {
		return
	}

	t := time.NewTicker(l.sweepEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := l.Sweep(); n > 0 {
					l.logger.Debug("rate limit sweep", slog.Int("removed", n))
				}
			}
		}
	}()
}
