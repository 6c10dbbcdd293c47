// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/caravel-telemetry/caravel/lib/event"
)

// ErrPIIDetected is returned by the strict validator when sensitive
// content survived redaction. The pipeline treats it specially: the
// event is held, not passed to later stages.
var ErrPIIDetected = errors.New("pii detected after redaction")

// ValidatorConfig configures the PII safety check.
type ValidatorConfig struct {
	// Strict makes a finding abort the event's remaining stages.
	// When false, findings are logged and the event continues.
	Strict bool

	// ExtraPatterns adds detectors beyond the built-in set. Use the
	// same extras as the redactor, or the validator will flag content
	// the redactor was never asked to remove.
	ExtraPatterns map[string]string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// PIIValidator is the second line of defense behind the redactor. It
// scans with the same pattern set and either holds the event (strict)
// or logs and continues (lenient).
type PIIValidator struct {
	strict   bool
	patterns []piiPattern
	logger   *slog.Logger

	violations atomic.Uint64
}

// NewPIIValidator builds a validator.
func NewPIIValidator(config ValidatorConfig) (*PIIValidator, error) {
	patterns, err := compilePatterns(config.ExtraPatterns)
	if err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &PIIValidator{
		strict:   config.Strict,
		patterns: patterns,
		logger:   config.Logger,
	}, nil
}

// Name identifies the stage.
func (v *PIIValidator) Name() string { return "pii-validate" }

// Violations returns the number of events with findings so far.
func (v *PIIValidator) Violations() uint64 { return v.violations.Load() }

// Process scans the event. The event itself is never modified.
func (v *PIIValidator) Process(_ context.Context, input event.Event) (event.Event, error) {
	findings := v.scanMap("", map[string]any(input))
	if len(findings) == 0 {
		return input, nil
	}
	v.violations.Add(1)

	if v.strict {
		return input, fmt.Errorf("pipeline: %s: %w",
			strings.Join(findings, ", "), ErrPIIDetected)
	}
	v.logger.Warn("pii survived redaction, continuing in lenient mode",
		"findings", strings.Join(findings, ", "),
	)
	return input, nil
}

// scanMap returns one "path:kind" string per field with a match.
func (v *PIIValidator) scanMap(prefix string, fields map[string]any) []string {
	var findings []string
	for key, value := range fields {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		findings = append(findings, v.scanValue(path, value)...)
	}
	return findings
}

func (v *PIIValidator) scanValue(path string, value any) []string {
	switch typed := value.(type) {
	case string:
		var findings []string
		for _, pattern := range v.patterns {
			if pattern.expr.MatchString(typed) {
				findings = append(findings, path+":"+pattern.kind)
			}
		}
		return findings
	case map[string]any:
		return v.scanMap(path, typed)
	case event.Event:
		return v.scanMap(path, map[string]any(typed))
	case map[string]string:
		var findings []string
		for key, element := range typed {
			findings = append(findings, v.scanValue(path+"."+key, element)...)
		}
		return findings
	case []any:
		var findings []string
		for _, element := range typed {
			findings = append(findings, v.scanValue(path, element)...)
		}
		return findings
	default:
		return nil
	}
}
