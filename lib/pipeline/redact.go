// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caravel-telemetry/caravel/lib/contenthash"
	"github.com/caravel-telemetry/caravel/lib/event"
)

// RedactorConfig configures the first pipeline stage.
type RedactorConfig struct {
	// DropFields are top-level keys removed outright.
	DropFields []string

	// HashValues replaces matches with a keyed short hash instead of
	// a plain mask, so identical values still correlate across events
	// without being readable.
	HashValues bool

	// ExtraPatterns adds detectors beyond the built-in set, keyed by
	// kind name, value a regular expression.
	ExtraPatterns map[string]string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Redactor removes or masks sensitive content. It walks every string
// value at every nesting level; field names in DropFields are removed
// at the top level before masking runs.
type Redactor struct {
	drop     map[string]bool
	hash     bool
	patterns []piiPattern
	logger   *slog.Logger
}

// NewRedactor builds a redactor. Fails only on an invalid extra
// pattern.
func NewRedactor(config RedactorConfig) (*Redactor, error) {
	patterns, err := compilePatterns(config.ExtraPatterns)
	if err != nil {
		return nil, err
	}
	drop := make(map[string]bool, len(config.DropFields))
	for _, field := range config.DropFields {
		drop[field] = true
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Redactor{
		drop:     drop,
		hash:     config.HashValues,
		patterns: patterns,
		logger:   config.Logger,
	}, nil
}

// Name identifies the stage.
func (r *Redactor) Name() string { return "redact" }

// Process returns a redacted copy of the event.
func (r *Redactor) Process(_ context.Context, input event.Event) (event.Event, error) {
	output := input.Clone()
	for field := range r.drop {
		delete(output, field)
	}
	r.redactMap(map[string]any(output))
	return output, nil
}

func (r *Redactor) redactMap(fields map[string]any) {
	for key, value := range fields {
		fields[key] = r.redactValue(value)
	}
}

func (r *Redactor) redactValue(value any) any {
	switch typed := value.(type) {
	case string:
		return r.redactString(typed)
	case map[string]any:
		r.redactMap(typed)
		return typed
	case event.Event:
		r.redactMap(map[string]any(typed))
		return typed
	case map[string]string:
		for key, element := range typed {
			typed[key] = r.redactString(element)
		}
		return typed
	case []any:
		for index, element := range typed {
			typed[index] = r.redactValue(element)
		}
		return typed
	default:
		return value
	}
}

func (r *Redactor) redactString(value string) string {
	for _, pattern := range r.patterns {
		value = pattern.expr.ReplaceAllStringFunc(value, func(match string) string {
			if r.hash {
				return fmt.Sprintf("[REDACTED:%s:%s]",
					pattern.kind, contenthash.Redaction([]byte(match)).Short())
			}
			return fmt.Sprintf("[REDACTED:%s]", pattern.kind)
		})
	}
	return value
}
