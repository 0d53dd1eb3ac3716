package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/observability"
)

// Log records events and their delivery state in a Store.
type Log struct {
	store      Store
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithMaxRetries sets the retry budget given to new records.
func WithMaxRetries(n int) LogOption {
	return func(l *Log) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LogOption {
	return func(l *Log) { l.logger = logger }
}

// NewLog creates a Log on top of store.
func NewLog(store Store, opts ...LogOption) *Log {
	l := &Log{
		store:      store,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = observability.Component(l.logger, "event_log")
	return l
}

// MaxRetries returns the retry budget given to new records.
func (l *Log) MaxRetries() int {
	return l.maxRetries
}

// LogEvent records a new event and returns its id.
func (l *Log) LogEvent(ctx context.Context, name string, payload json.RawMessage, status Status) (string, error) {
	rec, err := l.LogEnvelope(ctx, event.Envelope{
		ID:        uuid.New().String(),
		Name:      name,
		Payload:   payload,
		Timestamp: l.now(),
	}, status)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// LogEnvelope records a published envelope, keeping its id so the record
// and the bus history refer to the same event.
func (l *Log) LogEnvelope(ctx context.Context, env event.Envelope, status Status) (Record, error) {
	if status == "" {
		status = StatusPending
	}
	if !status.Valid() {
		return Record{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = l.now()
	}

	rec := Record{
		ID:         env.ID,
		Name:       env.Name,
		Payload:    env.Payload,
		Status:     status,
		MaxRetries: l.maxRetries,
		CreatedAt:  env.Timestamp,
	}
	if status != StatusPending {
		now := l.now()
		rec.LastAttemptAt = &now
	}

	if err := l.store.InsertEvent(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("insert event %s: %w", rec.ID, err)
	}
	return rec, nil
}

// Get loads one record.
func (l *Log) Get(ctx context.Context, id string) (Record, error) {
	rec, err := l.store.GetEvent(ctx, id)
	if err != nil {
		return Record{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return rec, nil
}

// UpdateStatus moves a record to status and stores errMsg (cleared on
// success). Every move stamps LastAttemptAt.
func (l *Log) UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	rec, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(rec.Status, status) {
		return &TransitionError{ID: id, From: rec.Status, To: status}
	}

	now := l.now()
	rec.Status = status
	rec.LastAttemptAt = &now
	if status == StatusSuccess {
		rec.Error = ""
	} else {
		rec.Error = errMsg
	}
	return l.update(ctx, rec)
}

// IncrementRetryCount adds one to the record's retry count, never past its
// retry budget, and returns the new count.
func (l *Log) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	rec, err := l.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec.Status == StatusSuccess {
		return rec.RetryCount, &TransitionError{ID: id, From: rec.Status, To: rec.Status}
	}
	if rec.RetryCount < rec.MaxRetries {
		rec.RetryCount++
	}
	if err := l.update(ctx, rec); err != nil {
		return 0, err
	}
	return rec.RetryCount, nil
}

// RecordRetryFailure counts one failed retry attempt and marks the record
// failed in a single update. The stored error becomes MaxRetriesReached
// once the budget is used up.
func (l *Log) RecordRetryFailure(ctx context.Context, id, errMsg string) (Record, error) {
	rec, err := l.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !canTransition(rec.Status, StatusFailed) {
		return Record{}, &TransitionError{ID: id, From: rec.Status, To: StatusFailed}
	}

	now := l.now()
	if rec.RetryCount < rec.MaxRetries {
		rec.RetryCount++
	}
	rec.Status = StatusFailed
	rec.LastAttemptAt = &now
	rec.Error = errMsg
	if rec.RetryCount >= rec.MaxRetries {
		rec.Error = MaxRetriesReached
	}
	if err := l.update(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (l *Log) update(ctx context.Context, rec Record) error {
	if err := l.store.UpdateEvent(ctx, rec); err != nil {
		return fmt.Errorf("update event %s: %w", rec.ID, err)
	}
	return nil
}

// FailedEvents returns failed records that still have retry budget,
// oldest first.
func (l *Log) FailedEvents(ctx context.Context) ([]Record, error) {
	recs, err := l.store.QueryEvents(ctx, Filter{
		Statuses:    []Status{StatusFailed},
		RetryBudget: true,
	})
	if err != nil {
		return nil, fmt.Errorf("query failed events: %w", err)
	}
	return recs, nil
}

// Interrupted is the error stored on records whose delivery was cut off
// before an outcome was recorded.
const Interrupted = "delivery interrupted"

// RecoverInterrupted moves records left behind by a delivery that never
// recorded its outcome back to failed, so the coordinator retries them.
// Every retrying record is moved, and pending records created before
// pendingBefore. Retry counts are left unchanged. Callers must make sure no
// retry pass is running.
func (l *Log) RecoverInterrupted(ctx context.Context, pendingBefore time.Time) (int, error) {
	recs, err := l.store.QueryEvents(ctx, Filter{Statuses: []Status{StatusRetrying, StatusPending}})
	if err != nil {
		return 0, fmt.Errorf("query interrupted events: %w", err)
	}

	recovered := 0
	for _, rec := range recs {
		if rec.Status == StatusPending && !rec.CreatedAt.Before(pendingBefore) {
			continue
		}
		if err := l.UpdateStatus(ctx, rec.ID, StatusFailed, Interrupted); err != nil {
			// A concurrent writer settled it first.
			var terr *TransitionError
			if errors.As(err, &terr) {
				continue
			}
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		l.logger.Warn("recovered interrupted events", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Query returns records matching f.
func (l *Log) Query(ctx context.Context, f Filter) ([]Record, error) {
	recs, err := l.store.QueryEvents(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return recs, nil
}

// Stats counts records by status.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	counts, err := l.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count events: %w", err)
	}

	s := Stats{
		Pending:  counts[StatusPending],
		Retrying: counts[StatusRetrying],
		Success:  counts[StatusSuccess],
		Failed:   counts[StatusFailed],
	}
	s.Total = s.Pending + s.Retrying + s.Success + s.Failed
	return s, nil
}

// CleanOldEvents removes terminal records older than daysToKeep days and
// returns how many were removed.
func (l *Log) CleanOldEvents(ctx context.Context, daysToKeep int) (int, error) {
	if daysToKeep < 0 {
		daysToKeep = 0
	}
	cutoff := l.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)

	removed, err := l.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if removed > 0 {
		l.logger.Info("cleaned old events",
			slog.Int("removed", removed),
			slog.Int("days_to_keep", daysToKeep),
		)
	}
	return removed, nil
}
