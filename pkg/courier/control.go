package courier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/courier/pkg/courier/connection"
	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/eventlog"
	"github.com/randalmurphal/courier/pkg/courier/msglog"
	"github.com/randalmurphal/courier/pkg/courier/ratelimit"
)

// PublishResult reports a published event and its first delivery.
type PublishResult struct {
	EventID  string          `json:"event_id"`
	Name     string          `json:"name"`
	Handlers int             `json:"handlers"`
	Failures int             `json:"failures"`
	Status   eventlog.Status `json:"status"`
	Error    string          `json:"error,omitempty"`
}

// PublishEvent records the event as pending, publishes it, and records the
// outcome: success when every handler succeeded, otherwise failed with the
// joined handler errors, which schedules it for retry. Errors are returned
// only for invalid events and store failures. The outcome is recorded even
// if ctx is cancelled while handlers run.
func (s *Service) PublishEvent(ctx context.Context, name string, payload any) (PublishResult, error) {
	if name == "" {
		return PublishResult{}, event.ErrEmptyName
	}
	env, err := event.NewEnvelope(name, payload)
	if err != nil {
		return PublishResult{}, Invalid(err, "publish "+name)
	}
	if err := s.registry.Validate(env); err != nil {
		return PublishResult{}, err
	}

	rec, err := s.events.LogEnvelope(ctx, env, eventlog.StatusPending)
	if err != nil {
		return PublishResult{}, fmt.Errorf("log event: %w", err)
	}

	d, err := s.bus.PublishEnvelope(ctx, env)
	wctx := context.WithoutCancel(ctx)
	if err != nil {
		// Validated above; only a concurrent registry change gets here.
		if uerr := s.events.UpdateStatus(wctx, rec.ID, eventlog.StatusFailed, err.Error()); uerr != nil {
			s.logger.Error("record publish failure",
				slog.String("event_id", env.ID),
				slog.String("error", uerr.Error()),
			)
		}
		return PublishResult{}, err
	}

	res := PublishResult{
		EventID:  env.ID,
		Name:     name,
		Handlers: d.Handlers,
		Failures: len(d.Failures),
		Status:   eventlog.StatusSuccess,
	}
	if !d.OK() {
		res.Status = eventlog.StatusFailed
		res.Error = d.Err().Error()
	}
	if err := s.events.UpdateStatus(wctx, rec.ID, res.Status, res.Error); err != nil {
		s.logger.Error("record publish outcome",
			slog.String("event_id", env.ID),
			slog.String("status", string(res.Status)),
			slog.String("error", err.Error()),
		)
		return res, fmt.Errorf("record outcome: %w", err)
	}
	return res, nil
}

// Subscribe registers handler for name.
func (s *Service) Subscribe(name string, handler event.Handler) event.SubscriptionID {
	return s.bus.Subscribe(name, handler)
}

// Unsubscribe removes a subscription.
func (s *Service) Unsubscribe(id event.SubscriptionID) bool {
	return s.bus.Unsubscribe(id)
}

// EventHistory returns the last limit published events, oldest first.
// limit <= 0 returns the whole history.
func (s *Service) EventHistory(limit int) []event.Envelope {
	return s.bus.History(limit)
}

// EventSchemas lists the registered event payload schemas.
func (s *Service) EventSchemas() []event.Schema {
	return s.registry.Schemas()
}

// EventStats combines event log counts with the bus view.
type EventStats struct {
	eventlog.Stats
	EventNames   []string `json:"event_names"`
	HistoryLen   int      `json:"history_len"`
	RetryRunning bool     `json:"retry_running"`
}

// EventSystemStats returns event counts by status and the event names
// currently subscribed to.
func (s *Service) EventSystemStats(ctx context.Context) (EventStats, error) {
	st, err := s.events.Stats(ctx)
	if err != nil {
		return EventStats{}, err
	}
	return EventStats{
		Stats:        st,
		EventNames:   s.bus.EventNames(),
		HistoryLen:   s.bus.HistoryLen(),
		RetryRunning: s.retries.Running(),
	}, nil
}

// FailedEvents returns failed events that will be retried.
func (s *Service) FailedEvents(ctx context.Context) ([]eventlog.Record, error) {
	return s.events.FailedEvents(ctx)
}

// GetEvent returns one event record.
func (s *Service) GetEvent(ctx context.Context, id string) (eventlog.Record, error) {
	return s.events.Get(ctx, id)
}

// CleanOldEvents removes settled events older than daysToKeep days.
func (s *Service) CleanOldEvents(ctx context.Context, daysToKeep int) (int, error) {
	return s.events.CleanOldEvents(ctx, daysToKeep)
}

// ConnectionStatus returns the channel session state.
func (s *Service) ConnectionStatus() connection.Status {
	return s.connection.Status()
}

// RequestConnect starts a channel session and returns the pairing code,
// if one is needed.
func (s *Service) RequestConnect(ctx context.Context) (string, error) {
	return s.connection.Connect(ctx)
}

// RequestDisconnect logs the channel session out.
func (s *Service) RequestDisconnect(ctx context.Context) error {
	return s.connection.Disconnect(ctx)
}

// ToggleAutoReply turns automatic answers on or off and returns the new
// setting.
func (s *Service) ToggleAutoReply(enabled bool) bool {
	s.connection.SetAutoReply(enabled)
	return s.connection.Status().AutoReplyEnabled
}

// SendDirectMessage sends text to identity through the rate limiter.
func (s *Service) SendDirectMessage(ctx context.Context, identity, text string) bool {
	return s.connection.SendMessage(ctx, identity, text)
}

// SendGroupMessage sends text to the named group.
func (s *Service) SendGroupMessage(ctx context.Context, group, text string) bool {
	return s.connection.SendToGroup(ctx, group, text)
}

// ListGroups lists the channel groups.
func (s *Service) ListGroups(ctx context.Context) ([]connection.Group, error) {
	return s.connection.Groups(ctx)
}

// RateLimiterStats returns the live counters and current limits for identity.
func (s *Service) RateLimiterStats(ctx context.Context, identity string) (ratelimit.Stats, ratelimit.Limits) {
	return s.limiter.Stats(ctx, identity), s.limiter.Limits()
}

// ConfigureRateLimits changes the limits for subsequent sends and returns
// the effective limits. Non-positive values keep the current limit.
func (s *Service) ConfigureRateLimits(limits ratelimit.Limits) ratelimit.Limits {
	s.limiter.Configure(limits)
	return s.limiter.Limits()
}

// ClearRateLimit drops the counters of identity.
func (s *Service) ClearRateLimit(ctx context.Context, identity string) {
	s.limiter.Clear(ctx, identity)
}

// MessageLogs returns audit entries matching q, newest first.
func (s *Service) MessageLogs(ctx context.Context, q msglog.Query) ([]msglog.Entry, error) {
	return s.messages.Query(ctx, q)
}
