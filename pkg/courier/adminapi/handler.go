package adminapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/courier/pkg/courier"
	"github.com/randalmurphal/courier/pkg/courier/connection"
	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/eventlog"
	"github.com/randalmurphal/courier/pkg/courier/msglog"
	"github.com/randalmurphal/courier/pkg/courier/ratelimit"
)

// Controller is the control plane served over HTTP. *courier.Service
// implements it.
type Controller interface {
	ConnectionStatus() connection.Status
	RequestConnect(ctx context.Context) (string, error)
	RequestDisconnect(ctx context.Context) error
	ToggleAutoReply(enabled bool) bool
	SendDirectMessage(ctx context.Context, identity, text string) bool
	SendGroupMessage(ctx context.Context, group, text string) bool
	ListGroups(ctx context.Context) ([]connection.Group, error)
	RateLimiterStats(ctx context.Context, identity string) (ratelimit.Stats, ratelimit.Limits)
	ConfigureRateLimits(limits ratelimit.Limits) ratelimit.Limits
	ClearRateLimit(ctx context.Context, identity string)
	PublishEvent(ctx context.Context, name string, payload any) (courier.PublishResult, error)
	EventHistory(limit int) []event.Envelope
	EventSchemas() []event.Schema
	EventSystemStats(ctx context.Context) (courier.EventStats, error)
	FailedEvents(ctx context.Context) ([]eventlog.Record, error)
	GetEvent(ctx context.Context, id string) (eventlog.Record, error)
	MessageLogs(ctx context.Context, q msglog.Query) ([]msglog.Entry, error)
}

var _ Controller = (*courier.Service)(nil)

// Handler serves the control plane over gin.
type Handler struct {
	ctl    Controller
	logger *slog.Logger
}

// NewHandler creates a handler for ctl. A nil logger uses slog.Default().
func NewHandler(ctl Controller, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ctl: ctl, logger: logger}
}

// Status handles GET /status.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.ctl.ConnectionStatus())
}

// Connect handles POST /connect and returns the pairing code, if the
// channel asked for one.
func (h *Handler) Connect(c *gin.Context) {
	code, err := h.ctl.RequestConnect(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ConnectResponse{PairingCode: code, Status: h.ctl.ConnectionStatus()})
}

// Disconnect handles POST /disconnect. The session is logged out and not
// reconnected.
func (h *Handler) Disconnect(c *gin.Context) {
	if err := h.ctl.RequestDisconnect(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.ctl.ConnectionStatus())
}

// AutoReply handles POST /auto-reply.
func (h *Handler) AutoReply(c *gin.Context) {
	var req AutoReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, AutoReplyResponse{AutoReplyEnabled: h.ctl.ToggleAutoReply(*req.Enabled)})
}

// SendMessage handles POST /messages. It answers 409 when the send was
// refused because the channel is down, the rate limit was hit or the
// transport failed.
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sent(c, h.ctl.SendDirectMessage(c.Request.Context(), req.To, req.Text))
}

// SendGroupMessage handles POST /groups/messages. Refusals answer 409 as in
// SendMessage.
func (h *Handler) SendGroupMessage(c *gin.Context) {
	var req SendGroupMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sent(c, h.ctl.SendGroupMessage(c.Request.Context(), req.Group, req.Text))
}

func sent(c *gin.Context, ok bool) {
	if !ok {
		c.JSON(http.StatusConflict, SendResponse{Sent: false})
		return
	}
	c.JSON(http.StatusOK, SendResponse{Sent: true})
}

// Groups handles GET /groups.
func (h *Handler) Groups(c *gin.Context) {
	groups, err := h.ctl.ListGroups(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// RateLimit handles GET /ratelimit/:identity.
func (h *Handler) RateLimit(c *gin.Context) {
	identity := c.Param("identity")
	stats, limits := h.ctl.RateLimiterStats(c.Request.Context(), identity)
	c.JSON(http.StatusOK, RateLimitResponse{Identity: identity, Stats: stats, Limits: limits})
}

// ConfigureRateLimits handles PUT /ratelimit. Zero fields keep the current
// limit; a request with every field zero is rejected.
func (h *Handler) ConfigureRateLimits(c *gin.Context) {
	var req ConfigureRateLimitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.PerMinute == 0 && req.PerHour == 0 && req.PerDay == 0 {
		badRequest(c, errors.New("at least one of per_minute, per_hour, per_day is required"))
		return
	}
	limits := h.ctl.ConfigureRateLimits(ratelimit.Limits{
		PerMinute: req.PerMinute,
		PerHour:   req.PerHour,
		PerDay:    req.PerDay,
	})
	h.logger.InfoContext(c.Request.Context(), "rate limits changed",
		slog.Int("per_minute", limits.PerMinute),
		slog.Int("per_hour", limits.PerHour),
		slog.Int("per_day", limits.PerDay),
	)
	c.JSON(http.StatusOK, limits)
}

// ClearRateLimit handles DELETE /ratelimit/:identity.
func (h *Handler) ClearRateLimit(c *gin.Context) {
	h.ctl.ClearRateLimit(c.Request.Context(), c.Param("identity"))
	c.Status(http.StatusNoContent)
}

// PublishEvent handles POST /events. It answers 202 once the first delivery
// has been recorded; failed deliveries are retried in the background.
func (h *Handler) PublishEvent(c *gin.Context) {
	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	res, err := h.ctl.PublishEvent(c.Request.Context(), req.Name, payload)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

// EventHistory handles GET /events/history.
func (h *Handler) EventHistory(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": h.ctl.EventHistory(limit)})
}

// EventSchemas handles GET /events/schemas.
func (h *Handler) EventSchemas(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schemas": h.ctl.EventSchemas()})
}

// EventStats handles GET /events/stats.
func (h *Handler) EventStats(c *gin.Context) {
	stats, err := h.ctl.EventSystemStats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// FailedEvents handles GET /events/failed.
func (h *Handler) FailedEvents(c *gin.Context) {
	records, err := h.ctl.FailedEvents(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": records})
}

// GetEvent handles GET /events/:id.
func (h *Handler) GetEvent(c *gin.Context) {
	rec, err := h.ctl.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// MessageLog handles GET /messages/log. The identity, direction, since
// (RFC 3339) and limit query parameters filter the entries.
func (h *Handler) MessageLog(c *gin.Context) {
	q := msglog.Query{Identity: c.Query("identity")}

	switch d := msglog.Direction(c.Query("direction")); d {
	case "", msglog.Incoming, msglog.Outgoing:
		q.Direction = d
	default:
		badRequest(c, errors.New("direction must be incoming or outgoing"))
		return
	}

	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			badRequest(c, errors.New("since must be an RFC 3339 timestamp"))
			return
		}
		q.Since = since
	}

	limit, err := intQuery(c, "limit")
	if err != nil {
		badRequest(c, err)
		return
	}
	q.Limit = limit

	entries, err := h.ctl.MessageLogs(c.Request.Context(), q)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": entries})
}

func intQuery(c *gin.Context, key string) (int, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
