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
	"path/filepath"
	"strings"
	"syscall"

	"github.com/caravel-telemetry/caravel/lib/breaker"
	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/compress"
	"github.com/caravel-telemetry/caravel/lib/config"
	"github.com/caravel-telemetry/caravel/lib/eventstore"
	"github.com/caravel-telemetry/caravel/lib/idempotency"
	"github.com/caravel-telemetry/caravel/lib/logstream"
	"github.com/caravel-telemetry/caravel/lib/metrics"
	"github.com/caravel-telemetry/caravel/lib/pipeline"
	"github.com/caravel-telemetry/caravel/lib/ratelimit"
	"github.com/caravel-telemetry/caravel/lib/retry"
	"github.com/caravel-telemetry/caravel/lib/sink"
	"github.com/caravel-telemetry/caravel/lib/spool"
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
	bundle := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipe, err := buildPipeline(cfg.Gateway.Pipeline, clk, logger)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}
	bundle.RegisterPipeline(pipe.Stats)

	sinks, closeSinks, err := buildSinks(cfg.Gateway.Sinks, clk, logger, bundle)
	if err != nil {
		return fmt.Errorf("building sinks: %w", err)
	}
	defer closeSinks()
	if len(sinks) == 0 {
		return fmt.Errorf("no sinks enabled")
	}

	var dedup *idempotency.Manager
	if window := cfg.Gateway.IdempotencyWindow.Std(); window > 0 {
		dedup = idempotency.New(window, clk)
	}
	manager := sink.NewManager(sinks, dedup, logger)

	// Drain loops run for the process lifetime; each makes one final
	// bounded flush pass after ctx is cancelled.
	drainsDone := make(chan struct{})
	go func() {
		manager.RunDrains(ctx)
		close(drainsDone)
	}()

	gateway := &Gateway{
		pipeline:     pipe,
		sinks:        manager,
		metrics:      bundle,
		maxBodyBytes: cfg.Gateway.MaxBodyBytes,
		clock:        clk,
		startedAt:    clk.Now(),
		logger:       logger,
	}

	server := &http.Server{
		Addr:    cfg.Gateway.ListenAddr,
		Handler: gateway.routes(),
	}
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.ListenAndServe()
	}()

	logger.Info("gateway running",
		"listen", cfg.Gateway.ListenAddr,
		"sinks", len(sinks),
		"environment", cfg.Environment,
	)

	select {
	case err := <-serverDone:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	// Stop accepting requests first, then let the drains make their
	// final pass.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Gateway.ShutdownTimeout.Std())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	<-drainsDone

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

// buildPipeline assembles the processing stages from configuration.
func buildPipeline(cfg config.PipelineConfig, clk clock.Clock, logger *slog.Logger) (*pipeline.Pipeline, error) {
	redactor, err := pipeline.NewRedactor(pipeline.RedactorConfig{
		DropFields:    cfg.DropFields,
		HashValues:    cfg.HashRedactions,
		ExtraPatterns: cfg.ExtraPatterns,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	validator, err := pipeline.NewPIIValidator(pipeline.ValidatorConfig{
		Strict:        cfg.StrictPII,
		ExtraPatterns: cfg.ExtraPatterns,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	enricherConfig := pipeline.EnricherConfig{Clock: clk, Logger: logger}
	if cfg.EnrichmentFile != "" {
		tables, err := config.ReadEnrichmentFile(cfg.EnrichmentFile)
		if err != nil {
			return nil, err
		}
		enricherConfig.StaticTags = tables.StaticTags
		enricherConfig.SeverityMap = tables.SeverityMap
		enricherConfig.ServiceRules = tables.ServiceRules
		enricherConfig.HostnameRules = tables.HostnameRules
		enricherConfig.GeoRules = tables.GeoRules
	}
	enricher, err := pipeline.NewEnricher(enricherConfig)
	if err != nil {
		return nil, err
	}

	var ai *pipeline.AIEnricher
	if cfg.AI.Enabled {
		apiKey := ""
		if cfg.AI.APIKeyFile != "" {
			data, err := os.ReadFile(cfg.AI.APIKeyFile)
			if err != nil {
				return nil, fmt.Errorf("reading api key: %w", err)
			}
			apiKey = strings.TrimSpace(string(data))
		}
		client := pipeline.NewOpenAIChatClient(cfg.AI.Endpoint, cfg.AI.Model,
			apiKey, cfg.AI.CallTimeout.Std())
		ai = pipeline.NewAIEnricher(pipeline.AIEnricherConfig{
			Client:              client,
			ConfidenceThreshold: cfg.AI.ConfidenceThreshold,
			CallTimeout:         cfg.AI.CallTimeout.Std(),
			Clock:               clk,
			Logger:              logger,
		})
	}

	return pipeline.New(pipeline.Config{
		Redactor:  redactor,
		Validator: validator,
		Enricher:  enricher,
		AI:        ai,
		Logger:    logger,
	}), nil
}

// buildSinks assembles the enabled sinks, each wrapped in the full
// reliability stack with its own spool, dead-letter store, and
// breaker. The returned close function releases sink resources after
// the drains stop.
func buildSinks(cfg config.SinksConfig, clk clock.Clock, logger *slog.Logger, bundle *metrics.Metrics) ([]*sink.ResilientSink, func(), error) {
	var resilients []*sink.ResilientSink
	var closers []func() error

	wrap := func(underlying sink.Sink) error {
		name := underlying.Name()

		deadLetter, err := spool.OpenDeadLetter(
			filepath.Join(cfg.DeadLetterDir, name),
			cfg.DeadLetterMaxBytes, clk, logger)
		if err != nil {
			return err
		}
		queue, err := spool.Open(spool.Config{
			Dir:         filepath.Join(cfg.SpoolDir, name),
			MaxBytes:    cfg.SpoolMaxBytes,
			Compression: compress.Zstd,
			DeadLetter:  deadLetter,
			Clock:       clk,
			Logger:      logger,
		})
		if err != nil {
			return err
		}

		destination := breaker.New(name, breaker.Config{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			OpenDuration:        cfg.Breaker.OpenDuration.Std(),
			HalfOpenMaxInflight: cfg.Breaker.HalfOpenMaxInflight,
			Clock:               clk,
			Logger:              logger,
		})

		bundle.RegisterSinkGauges(name,
			queue.Utilization,
			func() float64 { return float64(destination.Snapshot().State) },
		)

		resilients = append(resilients, sink.NewResilient(underlying, sink.ResilientConfig{
			Breaker: destination,
			Retry: retry.New(retry.Policy{
				MaxRetries:     cfg.Retry.MaxRetries,
				InitialBackoff: cfg.Retry.InitialBackoff.Std(),
				MaxBackoff:     cfg.Retry.MaxBackoff.Std(),
				JitterFactor:   cfg.Retry.JitterFactor,
			}),
			Queue:           queue,
			Bandwidth:       ratelimit.NewBandwidthLimiter(cfg.DrainBytesPerSec, cfg.DrainBurstBytes),
			DrainBatch:      cfg.DrainBatch,
			DrainInterval:   cfg.DrainInterval.Std(),
			SpoolMaxRetries: cfg.SpoolMaxRetries,
			Clock:           clk,
			Logger:          logger,
		}))
		return nil
	}

	if cfg.Logstream.Enabled {
		push, err := logstream.New(logstream.Config{
			URL:          cfg.Logstream.URL,
			TenantID:     cfg.Logstream.TenantID,
			Labels:       cfg.Logstream.Labels,
			StaticLabels: cfg.Logstream.StaticLabels,
			Timeout:      cfg.Logstream.Timeout.Std(),
			Clock:        clk,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := wrap(push); err != nil {
			return nil, nil, err
		}
	}

	if cfg.Eventstore.Enabled {
		store, err := eventstore.Open(eventstore.Config{
			Path:     cfg.Eventstore.Path,
			PoolSize: cfg.Eventstore.PoolSize,
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, store.Close)
		if err := wrap(store); err != nil {
			return nil, nil, err
		}
	}

	closeAll := func() {
		for _, close := range closers {
			if err := close(); err != nil {
				logger.Error("sink close error", "error", err)
			}
		}
	}
	return resilients, closeAll, nil
}
