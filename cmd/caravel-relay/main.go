// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/compress"
	"github.com/caravel-telemetry/caravel/lib/config"
	"github.com/caravel-telemetry/caravel/lib/idempotency"
	"github.com/caravel-telemetry/caravel/lib/ratelimit"
	"github.com/caravel-telemetry/caravel/lib/retry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file path (overrides CARAVEL_CONFIG)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	clk := clock.Real()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	buffer, err := buildBuffer(cfg.Relay.Buffer, clk)
	if err != nil {
		return fmt.Errorf("building buffer: %w", err)
	}
	transport, err := buildTransport(cfg.Relay, clk)
	if err != nil {
		return fmt.Errorf("building transport: %w", err)
	}

	source := cfg.Relay.Source
	if source == "" {
		if source, err = os.Hostname(); err != nil {
			return fmt.Errorf("resolving hostname: %w", err)
		}
	}

	var dedup *idempotency.Manager
	if window := cfg.Relay.IdempotencyWindow.Std(); window > 0 {
		dedup = idempotency.New(window, clk)
	}

	shipper := NewShipper(ShipperConfig{
		Buffer:       buffer,
		Transport:    transport,
		Source:       source,
		BatchSize:    cfg.Relay.BatchSize,
		BatchTimeout: cfg.Relay.BatchTimeout.Std(),
		TickInterval: cfg.Relay.ShipInterval.Std(),
		Dedup:        dedup,
		Limiter:      ratelimit.NewRateLimiter(cfg.Relay.EventsPerSec, cfg.Relay.Burst),
		Retry: retry.New(retry.Policy{
			MaxRetries:     cfg.Relay.Retry.MaxRetries,
			InitialBackoff: cfg.Relay.Retry.InitialBackoff.Std(),
			MaxBackoff:     cfg.Relay.Retry.MaxBackoff.Std(),
			JitterFactor:   cfg.Relay.Retry.JitterFactor,
		}),
		Clock:  clk,
		Logger: logger,
	})

	shipperDone := make(chan struct{})
	go func() {
		shipper.Run(ctx)
		close(shipperDone)
	}()

	server := &http.Server{
		Addr: cfg.Relay.StatusAddr,
		Handler: (&relayServer{
			buffer:    buffer,
			shipper:   shipper,
			clock:     clk,
			startedAt: clk.Now(),
			logger:    logger,
		}).routes(),
	}
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.ListenAndServe()
	}()

	logger.Info("relay running",
		"source", source,
		"transport", transport.Name(),
		"status", cfg.Relay.StatusAddr,
		"buffer_mode", cfg.Relay.Buffer.Mode,
		"ship_interval", cfg.Relay.ShipInterval.Std(),
	)

	select {
	case err := <-serverDone:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	// Stop accepting producer events first so the shipper's final
	// flush sees a settled buffer.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server shutdown error", "error", err)
	}
	<-shipperDone

	return nil
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel,
	}))
}

func buildBuffer(cfg config.BufferConfig, clk clock.Clock) (MessageBuffer, error) {
	switch cfg.Mode {
	case "durable":
		return newDurableBuffer(cfg.Dir, cfg.MaxBytes, clk)
	default:
		return newMemoryBuffer(cfg.Capacity), nil
	}
}

func buildTransport(cfg config.RelayConfig, clk clock.Clock) (Transport, error) {
	switch cfg.Transport {
	case "file":
		return NewFileTransport(cfg.FileDir, clk)
	default:
		tag, err := compress.ParseTag(cfg.Compression)
		if err != nil {
			return nil, err
		}
		return NewHTTPTransport(cfg.Endpoint, tag, cfg.Timeout.Std()), nil
	}
}
