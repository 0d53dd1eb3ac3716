package config

import (
	"time"

	"github.com/randalmurphal/courier/pkg/courier/connection"
	"github.com/randalmurphal/courier/pkg/courier/event"
	"github.com/randalmurphal/courier/pkg/courier/eventlog"
	"github.com/randalmurphal/courier/pkg/courier/ratelimit"
	"github.com/randalmurphal/courier/pkg/courier/transport/natsbus"
)

// Known keys.
const (
	KeyRateLimitPerMinute     = "ratelimit.per_minute"
	KeyRateLimitPerHour       = "ratelimit.per_hour"
	KeyRateLimitPerDay        = "ratelimit.per_day"
	KeyRateLimitSweepInterval = "ratelimit.sweep_interval"
	KeyRateLimitRedisAddr     = "ratelimit.redis_addr"

	KeyRetryInterval       = "retry.interval"
	KeyRetryMaxRetries     = "retry.max_retries"
	KeyRetryConcurrency    = "retry.concurrency"
	KeyRetryKeepDays       = "retry.keep_days"
	KeyRetryPendingTimeout = "retry.pending_timeout"

	KeyBusHistorySize    = "bus.history_size"
	KeyBusHandlerTimeout = "bus.handler_timeout"

	KeyStoreDriver = "store.driver"
	KeyStoreDSN    = "store.dsn"

	KeyNATSURL        = "nats.url"
	KeyNATSPrefix     = "nats.prefix"
	KeyNATSSelfID     = "nats.self_id"
	KeyNATSAwaitReady = "nats.await_ready"
	KeyNATSForward    = "nats.forward_events"

	KeyConnectionReconnectDelay  = "connection.reconnect_delay"
	KeyConnectionErrorRetryDelay = "connection.error_retry_delay"
	KeyConnectionConnectTimeout  = "connection.connect_timeout"
	KeyConnectionMinSendInterval = "connection.min_send_interval"
	KeyConnectionAutoReply       = "connection.auto_reply"

	KeyHTTPAddr = "http.addr"

	KeyLogLevel  = "log.level"
	KeyLogFormat = "log.format"

	KeyNotifyDefaultRecipient = "notify.default_recipient"
)

// Defaults for settings that have no owning package.
const (
	DefaultHTTPAddr = ":8080"
	DefaultKeepDays = 30
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options are the resolved runtime settings.
type Options struct {
	RateLimit  RateLimitOptions
	Retry      RetryOptions
	Bus        BusOptions
	Store      StoreOptions
	NATS       NATSOptions
	Connection ConnectionOptions
	HTTPAddr   string
	LogLevel   string
	LogFormat  string
}

// RateLimitOptions configure the limiter.
type RateLimitOptions struct {
	Limits        ratelimit.Limits
	SweepInterval time.Duration
	// RedisAddr selects the Redis counter store when set.
	RedisAddr string
}

// RetryOptions configure the event log and retry coordinator.
type RetryOptions struct {
	Interval       time.Duration
	MaxRetries     int
	Concurrency    int
	KeepDays       int
	PendingTimeout time.Duration
}

// BusOptions configure the event bus.
type BusOptions struct {
	HistorySize    int
	HandlerTimeout time.Duration
}

// StoreOptions select the persistence backend.
type StoreOptions struct {
	Driver string
	DSN    string
}

// NATSOptions configure the channel gateway transport. An empty URL means
// no transport.
type NATSOptions struct {
	URL           string
	Prefix        string
	SelfID        string
	AwaitReady    bool
	ForwardEvents bool
}

// ConnectionOptions configure the connection manager.
type ConnectionOptions struct {
	ReconnectDelay  time.Duration
	ErrorRetryDelay time.Duration
	ConnectTimeout  time.Duration
	MinSendInterval time.Duration
	AutoReply       bool
}

// Options resolves every known key, falling back to package defaults.
func (c Config) Options() Options {
	return Options{
		RateLimit: RateLimitOptions{
			Limits: ratelimit.Limits{
				PerMinute: c.Int(KeyRateLimitPerMinute, ratelimit.DefaultLimits.PerMinute),
				PerHour:   c.Int(KeyRateLimitPerHour, ratelimit.DefaultLimits.PerHour),
				PerDay:    c.Int(KeyRateLimitPerDay, ratelimit.DefaultLimits.PerDay),
			},
			SweepInterval: c.Duration(KeyRateLimitSweepInterval, ratelimit.DefaultSweepInterval),
			RedisAddr:     c.String(KeyRateLimitRedisAddr, ""),
		},
		Retry: RetryOptions{
			Interval:       c.Duration(KeyRetryInterval, eventlog.DefaultRetryInterval),
			MaxRetries:     c.Int(KeyRetryMaxRetries, eventlog.DefaultMaxRetries),
			Concurrency:    c.Int(KeyRetryConcurrency, eventlog.DefaultRetryConcurrency),
			KeepDays:       c.Int(KeyRetryKeepDays, DefaultKeepDays),
			PendingTimeout: c.Duration(KeyRetryPendingTimeout, eventlog.DefaultPendingTimeout),
		},
		Bus: BusOptions{
			HistorySize:    c.Int(KeyBusHistorySize, event.DefaultHistorySize),
			HandlerTimeout: c.Duration(KeyBusHandlerTimeout, 0),
		},
		Store: StoreOptions{
			Driver: c.String(KeyStoreDriver, DriverMemory),
			DSN:    c.String(KeyStoreDSN, ""),
		},
		NATS: NATSOptions{
			URL:           c.String(KeyNATSURL, ""),
			Prefix:        c.String(KeyNATSPrefix, natsbus.DefaultPrefix),
			SelfID:        c.String(KeyNATSSelfID, ""),
			AwaitReady:    c.Bool(KeyNATSAwaitReady, false),
			ForwardEvents: c.Bool(KeyNATSForward, false),
		},
		Connection: ConnectionOptions{
			ReconnectDelay:  c.Duration(KeyConnectionReconnectDelay, connection.DefaultReconnectDelay),
			ErrorRetryDelay: c.Duration(KeyConnectionErrorRetryDelay, connection.DefaultErrorRetryDelay),
			ConnectTimeout:  c.Duration(KeyConnectionConnectTimeout, connection.DefaultConnectTimeout),
			MinSendInterval: c.Duration(KeyConnectionMinSendInterval, 0),
			AutoReply:       c.Bool(KeyConnectionAutoReply, true),
		},
		HTTPAddr:  c.String(KeyHTTPAddr, DefaultHTTPAddr),
		LogLevel:  c.String(KeyLogLevel, "info"),
		LogFormat: c.String(KeyLogFormat, ""),
	}
}
