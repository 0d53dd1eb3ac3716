package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/courier/pkg/courier"
	"github.com/randalmurphal/courier/pkg/courier/adminapi"
	"github.com/randalmurphal/courier/pkg/courier/config"
)

var (
	serveAddr    string
	serveConnect bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the messaging core and its admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := settings
		if cmd.Flags().Changed("addr") {
			cfg = cfg.Merge(config.New(map[string]any{config.KeyHTTPAddr: serveAddr}))
		}
		opts := cfg.Options()
		logger := newLogger(opts.LogLevel, opts.LogFormat)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := courier.Open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		if err := svc.Start(ctx); err != nil {
			return err
		}

		if serveConnect {
			code, err := svc.RequestConnect(ctx)
			switch {
			case err != nil:
				// The manager keeps retrying on its own.
				logger.Warn("initial connect failed", slog.String("error", err.Error()))
			case code != "":
				logger.Info("pairing required", slog.String("pairing_code", code))
			}
		}

		gin.SetMode(gin.ReleaseMode)
		server := &http.Server{
			Addr: opts.HTTPAddr,
			Handler: adminapi.NewRouter(svc, adminapi.Config{
				Logger:         logger,
				TracingService: "courier",
			}),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			logger.Info("admin api listening", slog.String("addr", opts.HTTPAddr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()

		select {
		case <-ctx.Done():
		case err := <-serveErr:
			if err != nil {
				return err
			}
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown", slog.String("error", err.Error()))
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", config.DefaultHTTPAddr, "admin API listen address")
	serveCmd.Flags().BoolVar(&serveConnect, "connect", true, "connect the channel on startup")
}
