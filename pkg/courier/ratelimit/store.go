package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window identifies one of the fixed rate limit horizons.
type Window int

// Rate limit windows, in evaluation order.
const (
	Minute Window = iota
	Hour
	Day
)

// Windows lists every window in evaluation order.
var Windows = [...]Window{Minute, Hour, Day}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

func (w Window) String() string {
	switch w {
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	default:
		return "day"
	}
}

// Counter is the usage of one identity in one window.
type Counter struct {
	Count   int
	ResetAt time.Time
}

// Valid reports whether the counter still applies at now.
func (c Counter) Valid(now time.Time) bool {
	return now.Before(c.ResetAt)
}

// CounterStore persists window counters.
// Implementations must be safe for concurrent use. A missing or expired
// counter reads as the zero Counter.
type CounterStore interface {
	// Get returns the live counter for (identity, window).
	Get(ctx context.Context, identity string, w Window, now time.Time) (Counter, error)

	// Incr increments the counter, starting a new window if the old one expired.
	Incr(ctx context.Context, identity string, w Window, now time.Time) (Counter, error)

	// Clear removes every counter of identity.
	Clear(ctx context.Context, identity string) error

	// Sweep physically removes counters expired at now.
	Sweep(now time.Time) int
}

type counterKey struct {
	identity string
	window   Window
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[counterKey]Counter
}

var _ CounterStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[counterKey]Counter)}
}

// Get implements CounterStore.
func (s *MemoryStore) Get(_ context.Context, identity string, w Window, now time.Time) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.entries[counterKey{identity, w}]
	if !ok || !c.Valid(now) {
		return Counter{}, nil
	}
	return c, nil
}

// Incr implements CounterStore.
func (s *MemoryStore) Incr(_ context.Context, identity string, w Window, now time.Time) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := counterKey{identity, w}
	c := s.entries[k]
	if !c.Valid(now) {
		c = Counter{ResetAt: now.Add(w.Duration())}
	}
	c.Count++
	s.entries[k] = c
	return c, nil
}

// Clear implements CounterStore.
func (s *MemoryStore) Clear(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range Windows {
		delete(s.entries, counterKey{identity, w})
	}
	return nil
}

// Sweep implements CounterStore.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, c := range s.entries {
		if !c.Valid(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored counters, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
