package adminapi

import (
	"encoding/json"

	"github.com/randalmurphal/courier/pkg/courier/connection"
	"github.com/randalmurphal/courier/pkg/courier/ratelimit"
)

// ConnectResponse is returned by POST /connect.
type ConnectResponse struct {
	PairingCode string            `json:"pairing_code,omitempty"`
	Status      connection.Status `json:"status"`
}

// AutoReplyRequest turns automatic answers on or off.
type AutoReplyRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// AutoReplyResponse reports the auto-reply setting in effect.
type AutoReplyResponse struct {
	AutoReplyEnabled bool `json:"auto_reply_enabled"`
}

// SendMessageRequest is a direct message to one identity.
type SendMessageRequest struct {
	To   string `json:"to" binding:"required"`
	Text string `json:"text" binding:"required"`
}

// SendGroupMessageRequest is a message to a group, addressed by name.
type SendGroupMessageRequest struct {
	Group string `json:"group" binding:"required"`
	Text  string `json:"text" binding:"required"`
}

// SendResponse reports whether a message was handed to the channel.
type SendResponse struct {
	Sent bool `json:"sent"`
}

// RateLimitResponse shows an identity's live counters against the limits.
type RateLimitResponse struct {
	Identity string           `json:"identity"`
	Stats    ratelimit.Stats  `json:"stats"`
	Limits   ratelimit.Limits `json:"limits"`
}

// ConfigureRateLimitsRequest changes limits. Omitted or zero fields keep
// the current value.
type ConfigureRateLimitsRequest struct {
	PerMinute int `json:"per_minute" binding:"min=0"`
	PerHour   int `json:"per_hour" binding:"min=0"`
	PerDay    int `json:"per_day" binding:"min=0"`
}

// PublishEventRequest publishes a domain event. Payload is passed through
// as raw JSON and validated against the event's schema.
type PublishEventRequest struct {
	Name    string          `json:"name" binding:"required"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category,omitempty"`
}
