package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eventchat/internal/bus"
	"eventchat/internal/gateway"
	"eventchat/internal/metrics"
	"eventchat/internal/ratelimit"
	"eventchat/internal/store"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket gateway (store + hub + metrics)",
		Long:  "Opens the message store, runs the in-process hub and serves it over WebSockets. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()
	if !cfg.Gateway.Enabled {
		return fmt.Errorf("gateway is disabled (eventchat config set gateway.enabled true)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := bus.NewHub(bus.HubConfig{
		BufferSize: cfg.Realtime.BufferSize,
		Logger:     logger.With("component", "hub"),
	})

	st, err := store.Open(cfg.Store.DBPath, hub, logger.With("component", "store"))
	if err != nil {
		hub.Close()
		return fmt.Errorf("message store: %w", err)
	}
	defer st.Close()

	extra := map[string]http.Handler{
		"/healthz": http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := st.DB().PingContext(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("ok"))
		}),
	}
	if cfg.Metrics.Enabled {
		extra[cfg.Metrics.Endpoint] = metrics.Handler()
	}

	limiter := ratelimit.New(cfg.RateLimit.MaxMessagesPerMinute, time.Duration(cfg.RateLimit.WindowSeconds)*time.Second)
	srv := gateway.NewServer(gateway.Config{
		Host:             cfg.Gateway.Host,
		Port:             cfg.Gateway.Port,
		Path:             cfg.Gateway.Path,
		FramesPerSecond:  cfg.Gateway.FramesPerSecond,
		Burst:            cfg.Gateway.Burst,
		Token:            cfg.Gateway.Token,
		Hub:              hub,
		Store:            st,
		Limiter:          limiter,
		MaxContentLength: cfg.Chat.MaxContentLength,
		Extra:            extra,
		Logger:           logger.With("component", "gateway"),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()
	logger.Info("eventchat serving. Press Ctrl+C to stop.", "version", version, "metrics", cfg.Metrics.Enabled)

	select {
	case err := <-errCh:
		hub.Close()
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	select {
	case err := <-errCh:
		hub.Close()
		if err != nil {
			logger.Warn("gateway shutdown", "err", err)
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		hub.Close()
		logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}
