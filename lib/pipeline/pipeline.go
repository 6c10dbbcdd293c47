// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package pipeline runs events through the ordered processing chain:
// redaction, then PII validation, then deterministic enrichment, then
// optional AI-assisted enrichment. The order is a safety invariant,
// not a convenience: the AI stage sends event content to an external
// model, so sensitive fields must be gone before it runs, and the
// validator sits between them as a second line of defense. The
// constructor owns the ordering; callers supply stages, never a
// sequence.
//
// Processing is fail-safe per event. A processor error never fails
// the batch: the failing event passes through with its pre-stage
// value and an error counter increments. The one exception is a
// strict-mode PII finding, which aborts the remaining stages for that
// event and marks it held so the AI stage can never see it.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/caravel-telemetry/caravel/lib/event"
)

// HoldKey marks an event that failed strict PII validation. Held
// events skip all remaining stages. The key is internal-prefixed, so
// Sanitize strips it before any payload leaves the process.
const HoldKey = event.InternalPrefix + "pii_hold"

// Processor transforms one event. Implementations must not mutate
// the input; they clone, modify, and return.
type Processor interface {
	// Name identifies the stage in logs and counters.
	Name() string

	// Process returns the transformed event. On error the pipeline
	// discards the returned event and passes the input through.
	Process(ctx context.Context, input event.Event) (event.Event, error)
}

// Stats is a snapshot of the pipeline's counters.
type Stats struct {
	// Processed counts events that completed a full pass.
	Processed uint64 `json:"processed"`

	// StageErrors counts per-event processor failures that were
	// absorbed by the fail-safe.
	StageErrors uint64 `json:"stage_errors"`

	// Held counts events withheld from later stages by strict PII
	// validation.
	Held uint64 `json:"held"`
}

// Config assembles a pipeline from its stages.
type Config struct {
	// Redactor is the first stage. Required.
	Redactor *Redactor

	// Validator is the second stage. Required.
	Validator *PIIValidator

	// Enricher is the third stage. Required.
	Enricher *Enricher

	// AI is the optional final stage.
	AI *AIEnricher

	// Logger receives absorbed stage errors. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Pipeline applies the stages in their fixed order.
type Pipeline struct {
	stages []Processor
	logger *slog.Logger

	processed   atomic.Uint64
	stageErrors atomic.Uint64
	held        atomic.Uint64
}

// New builds the pipeline. The stage order is fixed here and cannot
// be changed by callers.
func New(config Config) *Pipeline {
	if config.Redactor == nil {
		panic("pipeline: Redactor is required")
	}
	if config.Validator == nil {
		panic("pipeline: Validator is required")
	}
	if config.Enricher == nil {
		panic("pipeline: Enricher is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	stages := []Processor{config.Redactor, config.Validator, config.Enricher}
	if config.AI != nil {
		stages = append(stages, config.AI)
	}
	return &Pipeline{stages: stages, logger: config.Logger}
}

// Run passes one event through every stage and returns the result.
// It never returns nil and never fails: stage errors are absorbed per
// the fail-safe, and a strict PII finding returns the pre-validator
// event marked with HoldKey.
func (p *Pipeline) Run(ctx context.Context, input event.Event) event.Event {
	current := input
	for _, stage := range p.stages {
		next, err := stage.Process(ctx, current)
		if err != nil {
			if errors.Is(err, ErrPIIDetected) {
				held := current.Clone()
				held[HoldKey] = true
				p.held.Add(1)
				p.logger.Warn("event held by strict pii validation",
					"stage", stage.Name(),
					"error", err,
				)
				p.processed.Add(1)
				return held
			}
			p.stageErrors.Add(1)
			p.logger.Warn("stage failed, passing event through",
				"stage", stage.Name(),
				"error", err,
			)
			continue
		}
		current = next
	}
	p.processed.Add(1)
	return current
}

// RunBatch runs every event in the batch. The returned batch has the
// same length and order as the input.
func (p *Pipeline) RunBatch(ctx context.Context, batch event.Batch) event.Batch {
	if len(batch) == 0 {
		return batch
	}
	result := make(event.Batch, len(batch))
	for index, item := range batch {
		result[index] = p.Run(ctx, item)
	}
	return result
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed:   p.processed.Load(),
		StageErrors: p.stageErrors.Load(),
		Held:        p.held.Load(),
	}
}
