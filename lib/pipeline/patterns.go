// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"regexp"
	"sort"
)

// piiPattern is one named detector shared by the redactor and the
// validator. Both stages must agree on what counts as sensitive, so
// the set is defined once.
type piiPattern struct {
	kind string
	expr *regexp.Regexp
}

// defaultPatterns returns the built-in detector set. Order matters:
// longer, more specific shapes run before shorter ones so a card
// number is not half-consumed as a phone number.
func defaultPatterns() []piiPattern {
	return []piiPattern{
		{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{"card", regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{4}\b`)},
		{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
		{"phone", regexp.MustCompile(`\b(?:\+\d{1,2}[ .-]?)?\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`)},
		{"secret", regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|token|api[_-]?key|secret)\s*[=:]\s*[^\s,;"']+`)},
	}
}

// compilePatterns extends the default set with caller-supplied
// expressions, keyed by kind. Extra patterns run after the built-ins
// in sorted kind order so behavior is deterministic.
func compilePatterns(extra map[string]string) ([]piiPattern, error) {
	patterns := defaultPatterns()

	kinds := make([]string, 0, len(extra))
	for kind := range extra {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		compiled, err := regexp.Compile(extra[kind])
		if err != nil {
			return nil, fmt.Errorf("pipeline: pattern %q: %w", kind, err)
		}
		patterns = append(patterns, piiPattern{kind: kind, expr: compiled})
	}
	return patterns, nil
}
