// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
)

func buildPipeline(t *testing.T, strict bool, ai *AIEnricher, extraValidatorPatterns map[string]string) *Pipeline {
	t.Helper()
	redactor, err := NewRedactor(RedactorConfig{})
	if err != nil {
		t.Fatalf("NewRedactor: %v", err)
	}
	validator, err := NewPIIValidator(ValidatorConfig{
		Strict:        strict,
		ExtraPatterns: extraValidatorPatterns,
	})
	if err != nil {
		t.Fatalf("NewPIIValidator: %v", err)
	}
	enricher, err := NewEnricher(EnricherConfig{
		StaticTags: map[string]string{"pipeline": "test"},
		Clock:      clock.Fake(enrichEpoch),
	})
	if err != nil {
		t.Fatalf("NewEnricher: %v", err)
	}
	return New(Config{
		Redactor:  redactor,
		Validator: validator,
		Enricher:  enricher,
		AI:        ai,
	})
}

func TestPipelineRedactsBeforeValidation(t *testing.T) {
	// The message contains PII that the redactor removes; the strict
	// validator behind it must therefore pass the event.
	p := buildPipeline(t, true, nil, nil)

	output := p.Run(context.Background(),
		event.Event{"message": "user user@example.com logged in", "severity": "info"})

	if !strings.Contains(output.Message(), "[REDACTED:email]") {
		t.Fatalf("message not redacted: %q", output.Message())
	}
	if _, held := output[HoldKey]; held {
		t.Fatal("redacted event was held")
	}
	if output["severity_num"] != 6 {
		t.Fatalf("enrichment missing: severity_num = %v", output["severity_num"])
	}
	if output.Tags()["pipeline"] != "test" {
		t.Fatalf("static tag missing: %v", output.Tags())
	}

	stats := p.Stats()
	if stats.Processed != 1 || stats.StageErrors != 0 || stats.Held != 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPipelineStrictHoldAbortsEventPass(t *testing.T) {
	// The validator knows a pattern the redactor does not, so the
	// finding survives redaction and the strict validator holds the
	// event: no enrichment, no AI call.
	client := &scriptedChat{responses: []string{`{"confidence": 0.9}`}}
	ai := newAIEnricher(client, AIEnricherConfig{})
	p := buildPipeline(t, true, ai, map[string]string{"badge": `BADGE-\d+`})

	output := p.Run(context.Background(),
		event.Event{"message": "scanned BADGE-4471", "severity": "info"})

	if held, _ := output[HoldKey].(bool); !held {
		t.Fatal("event not marked held")
	}
	if output.Message() != "scanned BADGE-4471" {
		t.Fatalf("held event modified: %q", output.Message())
	}
	if _, enriched := output["severity_num"]; enriched {
		t.Fatal("held event was enriched")
	}
	if client.callCount() != 0 {
		t.Fatal("held event reached the model")
	}
	if stats := p.Stats(); stats.Held != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	// The hold mark is internal bookkeeping and must not survive
	// sanitization.
	if output.Sanitize().HasInternalKeys() {
		t.Fatal("hold key survived sanitization")
	}
}

func TestPipelineLenientContinuesThroughFinding(t *testing.T) {
	p := buildPipeline(t, false, nil, map[string]string{"badge": `BADGE-\d+`})

	output := p.Run(context.Background(),
		event.Event{"message": "scanned BADGE-4471", "severity": "error"})

	if _, held := output[HoldKey]; held {
		t.Fatal("lenient mode held the event")
	}
	if output["severity_num"] != 3 {
		t.Fatal("lenient mode skipped enrichment")
	}
}

func TestPipelineFailSafePassesPreStageValue(t *testing.T) {
	// An AI stage whose model always fails must not lose the event or
	// the enrichment that ran before it.
	client := &scriptedChat{err: errors.New("model down")}
	ai := newAIEnricher(client, AIEnricherConfig{})
	p := buildPipeline(t, true, ai, nil)

	output := p.Run(context.Background(),
		event.Event{"message": "disk failure", "severity": "critical"})

	if output["severity_num"] != 2 {
		t.Fatalf("pre-AI enrichment lost: %v", output)
	}
	if _, exists := output["ai_confidence"]; exists {
		t.Fatal("failed AI stage applied enrichment")
	}
	if stats := p.Stats(); stats.StageErrors != 1 || stats.Processed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPipelineRunBatchPreservesOrderAndLength(t *testing.T) {
	p := buildPipeline(t, true, nil, nil)

	batch := event.Batch{
		{"message": "first", "severity": "info"},
		{"message": "second", "severity": "error"},
		{"message": "third"},
	}
	result := p.RunBatch(context.Background(), batch)

	if len(result) != len(batch) {
		t.Fatalf("length changed: %d -> %d", len(batch), len(result))
	}
	for index, want := range []string{"first", "second", "third"} {
		if result[index].Message() != want {
			t.Errorf("position %d: message = %q, want %q", index, result[index].Message(), want)
		}
	}
	if stats := p.Stats(); stats.Processed != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestPipelineRequiresMandatoryStages(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("missing redactor accepted")
		}
	}()
	New(Config{})
}
