// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/caravel-telemetry/caravel/lib/breaker"
	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
)

// ChatClient is the model call behind the AI stage. Implementations
// return the model's raw text response.
type ChatClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// aiSystemPrompt constrains the model to the response schema the
// stage validates against.
const aiSystemPrompt = `You classify telemetry events. Respond with a single JSON object and nothing else. Schema: {"confidence": number between 0 and 1 (required), "category": string (optional), "priority": one of "low", "medium", "high", "critical" (optional), "summary": string up to 200 characters (optional), "tags": object of string keys to string values (optional)}.`

// AIEnricherConfig configures the optional model-assisted stage.
type AIEnricherConfig struct {
	// Client performs the model call. Required.
	Client ChatClient

	// Fields is the whitelist of event fields the prompt may
	// contain. Nothing outside it ever reaches the model. Defaults
	// to message, type, severity, service, and hostname.
	Fields []string

	// ConfidenceThreshold is the minimum model confidence for the
	// enrichment to be applied. Defaults to 0.7.
	ConfidenceThreshold float64

	// MaxInputBytes bounds the prompt size; larger events pass
	// through untouched. Defaults to 4096.
	MaxInputBytes int

	// FailureThreshold is the consecutive-failure count that
	// disables the stage. Defaults to 3.
	FailureThreshold int

	// ResetTimeout is how long the stage stays disabled. Defaults
	// to 1 minute.
	ResetTimeout time.Duration

	// CallTimeout bounds each model call. Defaults to 10 seconds.
	CallTimeout time.Duration

	// Clock drives the internal breaker. Required.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// AIEnricher asks a model to classify events. The stage is strictly
// best-effort: past its failure threshold or input-size guard it is a
// passthrough, and a low-confidence response is discarded.
type AIEnricher struct {
	client    ChatClient
	fields    []string
	threshold float64
	maxInput  int
	timeout   time.Duration
	breaker   *breaker.Breaker
	logger    *slog.Logger
}

// aiResponse is the fixed schema the model must produce.
type aiResponse struct {
	Confidence *float64          `json:"confidence"`
	Category   string            `json:"category"`
	Priority   string            `json:"priority"`
	Summary    string            `json:"summary"`
	Tags       map[string]string `json:"tags"`
}

// NewAIEnricher builds the stage.
func NewAIEnricher(config AIEnricherConfig) *AIEnricher {
	if config.Client == nil {
		panic("pipeline: Client is required")
	}
	if config.Clock == nil {
		panic("pipeline: Clock is required")
	}
	if len(config.Fields) == 0 {
		config.Fields = []string{
			event.KeyMessage, event.KeyType, event.KeySeverity, "service", event.KeyHostname,
		}
	}
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = 0.7
	}
	if config.MaxInputBytes <= 0 {
		config.MaxInputBytes = 4096
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = time.Minute
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &AIEnricher{
		client:    config.Client,
		fields:    config.Fields,
		threshold: config.ConfidenceThreshold,
		maxInput:  config.MaxInputBytes,
		timeout:   config.CallTimeout,
		breaker: breaker.New("ai-enricher", breaker.Config{
			FailureThreshold: config.FailureThreshold,
			OpenDuration:     config.ResetTimeout,
			Clock:            config.Clock,
			Logger:           config.Logger,
		}),
		logger: config.Logger,
	}
}

// Name identifies the stage.
func (a *AIEnricher) Name() string { return "ai-enrich" }

// Process classifies the event when the guards allow it. Any failure
// returns the input unchanged with an error for the fail-safe to
// absorb.
func (a *AIEnricher) Process(ctx context.Context, input event.Event) (event.Event, error) {
	if _, held := input[HoldKey]; held {
		return input, nil
	}

	prompt := a.buildPrompt(input)
	if prompt == "" || len(prompt) > a.maxInput {
		return input, nil
	}
	if !a.breaker.Allow() {
		return input, nil
	}

	callContext, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.client.Complete(callContext, aiSystemPrompt, prompt)
	if err != nil {
		a.breaker.RecordFailure()
		return input, fmt.Errorf("pipeline: model call: %w", err)
	}

	response, err := parseAIResponse(raw)
	if err != nil {
		a.breaker.RecordFailure()
		return input, err
	}
	a.breaker.RecordSuccess()

	if *response.Confidence < a.threshold {
		a.logger.Debug("discarding low-confidence enrichment",
			"confidence", *response.Confidence,
			"threshold", a.threshold,
		)
		return input, nil
	}
	return applyAIResponse(input, response), nil
}

// buildPrompt renders the whitelisted fields, one per line in
// whitelist order. Fields absent from the event are skipped.
func (a *AIEnricher) buildPrompt(input event.Event) string {
	var builder strings.Builder
	for _, field := range a.fields {
		value, ok := input[field].(string)
		if !ok || value == "" {
			continue
		}
		builder.WriteString(field)
		builder.WriteString(": ")
		builder.WriteString(value)
		builder.WriteString("\n")
	}
	return builder.String()
}

// parseAIResponse extracts and validates the JSON object in the
// model's reply. Models wrap JSON in prose or code fences often
// enough that scanning for the outermost braces is the robust move.
func parseAIResponse(raw string) (*aiResponse, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("pipeline: no JSON object in model response")
	}

	var response aiResponse
	if err := json.Unmarshal([]byte(raw[start:end+1]), &response); err != nil {
		return nil, fmt.Errorf("pipeline: decoding model response: %w", err)
	}

	if response.Confidence == nil {
		return nil, fmt.Errorf("pipeline: model response missing confidence")
	}
	if *response.Confidence < 0 || *response.Confidence > 1 {
		return nil, fmt.Errorf("pipeline: confidence %v out of range", *response.Confidence)
	}
	switch response.Priority {
	case "", "low", "medium", "high", "critical":
	default:
		return nil, fmt.Errorf("pipeline: invalid priority %q", response.Priority)
	}
	if len(response.Summary) > 200 {
		return nil, fmt.Errorf("pipeline: summary exceeds 200 characters")
	}
	return &response, nil
}

// applyAIResponse merges the validated enrichment into a copy of the
// event. Model tags never clobber existing tags.
func applyAIResponse(input event.Event, response *aiResponse) event.Event {
	output := input.Clone()
	output["ai_confidence"] = *response.Confidence
	if response.Category != "" {
		output["ai_category"] = response.Category
	}
	if response.Priority != "" {
		output["ai_priority"] = response.Priority
	}
	if response.Summary != "" {
		output["ai_summary"] = response.Summary
	}
	if len(response.Tags) > 0 {
		tags := output.Tags()
		if tags == nil {
			tags = make(map[string]string, len(response.Tags))
		}
		keys := make([]string, 0, len(response.Tags))
		for key := range response.Tags {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if _, exists := tags[key]; !exists {
				tags[key] = response.Tags[key]
			}
		}
		output.SetTags(tags)
	}
	return output
}
