// Package adminapi serves the courier control plane as JSON over HTTP.
package adminapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Config configures NewRouter.
type Config struct {
	// Logger receives request logs.
	// Default: slog.Default()
	Logger *slog.Logger

	// TracingService names the service in request spans. Tracing is off
	// when empty.
	TracingService string
}

// NewRouter returns an engine with every control plane route registered.
func NewRouter(ctl Controller, cfg Config) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()

	// Span first so recovery and request logs run inside it.
	if cfg.TracingService != "" {
		router.Use(otelgin.Middleware(cfg.TracingService))
	}
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))

	SetupRoutes(router, NewHandler(ctl, logger))
	return router
}

// SetupRoutes registers the control plane routes on router.
func SetupRoutes(router *gin.Engine, h *Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", h.Status)
	router.POST("/connect", h.Connect)
	router.POST("/disconnect", h.Disconnect)
	router.POST("/auto-reply", h.AutoReply)

	router.POST("/messages", h.SendMessage)
	router.GET("/messages/log", h.MessageLog)

	groups := router.Group("/groups")
	{
		groups.GET("", h.Groups)
		groups.POST("/messages", h.SendGroupMessage)
	}

	limits := router.Group("/ratelimit")
	{
		limits.PUT("", h.ConfigureRateLimits)
		limits.GET("/:identity", h.RateLimit)
		limits.DELETE("/:identity", h.ClearRateLimit)
	}

	events := router.Group("/events")
	{
		events.POST("", h.PublishEvent)
		events.GET("/history", h.EventHistory)
		events.GET("/stats", h.EventStats)
		events.GET("/schemas", h.EventSchemas)
		events.GET("/failed", h.FailedEvents)
		events.GET("/:id", h.GetEvent)
	}
}

// Recovery turns handler panics into 500 responses.
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.ErrorContext(c.Request.Context(), "handler panicked",
			slog.String("path", c.Request.URL.Path),
			slog.Any("panic", recovered),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	})
}

// RequestLogger logs one line per request.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
