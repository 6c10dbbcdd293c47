// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package event defines the unit of data flowing through Caravel: a
// schemaless field map. A handful of keys (timestamp, type, message,
// source, severity, hostname, tags) carry meaning to processors and
// sinks; everything else is opaque baggage that must survive the trip
// end to end unless a processor explicitly removes it.
//
// Keys prefixed with "_caravel_" are internal bookkeeping (spool ids,
// attempt counters, pipeline holds). They exist only between
// components inside one process and are stripped by Sanitize before
// any payload leaves the process.
package event

import (
	"strings"
	"time"
)

// InternalPrefix marks bookkeeping keys that must never appear in a
// delivered payload.
const InternalPrefix = "_caravel_"

// Recognized field names.
const (
	KeyTimestamp = "timestamp"
	KeyType      = "type"
	KeyMessage   = "message"
	KeySource    = "source"
	KeySeverity  = "severity"
	KeyHostname  = "hostname"
	KeyTags      = "tags"
)

// Event is one telemetry or log record. Values are JSON-compatible
// scalars, maps, and slices.
type Event map[string]any

// getString returns the field as a string, or "" if absent or not a
// string.
func (e Event) getString(key string) string {
	value, ok := e[key].(string)
	if !ok {
		return ""
	}
	return value
}

// Message returns the message field, or "".
func (e Event) Message() string { return e.getString(KeyMessage) }

// Timestamp returns the timestamp field as a string, or "". The
// pipeline's timestamp normalizer guarantees RFC 3339 UTC for events
// that have passed enrichment; before that the value is whatever the
// producer sent.
func (e Event) Timestamp() string { return e.getString(KeyTimestamp) }

// Type returns the type field, or "".
func (e Event) Type() string { return e.getString(KeyType) }

// Source returns the source field, or "".
func (e Event) Source() string { return e.getString(KeySource) }

// Severity returns the severity field, or "". Severity may also be
// numeric in raw events; numeric severities read as "".
func (e Event) Severity() string { return e.getString(KeySeverity) }

// Hostname returns the hostname field, or "".
func (e Event) Hostname() string { return e.getString(KeyHostname) }

// Tags returns the tags field as a string map. Accepts both
// map[string]string and map[string]any (the shape JSON decoding
// produces); non-string values are skipped. Returns nil if the field
// is absent or has an unexpected type.
func (e Event) Tags() map[string]string {
	switch tags := e[KeyTags].(type) {
	case map[string]string:
		return tags
	case map[string]any:
		result := make(map[string]string, len(tags))
		for key, value := range tags {
			if s, ok := value.(string); ok {
				result[key] = s
			}
		}
		return result
	default:
		return nil
	}
}

// SetTags replaces the tags field.
func (e Event) SetTags(tags map[string]string) { e[KeyTags] = tags }

// ParsedTime parses the timestamp field as RFC 3339. Returns the zero
// time and false if the field is absent or unparseable.
func (e Event) ParsedTime() (time.Time, bool) {
	parsed, err := time.Parse(time.RFC3339Nano, e.Timestamp())
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// Clone returns a deep copy. Processors operate on clones so that a
// failing processor cannot leave a half-mutated event behind.
func (e Event) Clone() Event {
	if e == nil {
		return nil
	}
	return Event(cloneValue(map[string]any(e)).(map[string]any))
}

// Sanitize returns a deep copy with every internal-prefixed key
// removed, at every nesting level. This is the only defense needed at
// payload-finalization points: an envelope built from sanitized
// events contains zero "_caravel_" keys.
func (e Event) Sanitize() Event {
	if e == nil {
		return nil
	}
	return Event(sanitizeMap(map[string]any(e)))
}

// HasInternalKeys reports whether any internal-prefixed key exists at
// any nesting level. Used by the ingest endpoint to reject envelopes
// that leak another node's bookkeeping.
func (e Event) HasInternalKeys() bool {
	return mapHasInternal(map[string]any(e))
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, element := range typed {
			copied[key] = cloneValue(element)
		}
		return copied
	case Event:
		return cloneValue(map[string]any(typed))
	case map[string]string:
		copied := make(map[string]string, len(typed))
		for key, element := range typed {
			copied[key] = element
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for index, element := range typed {
			copied[index] = cloneValue(element)
		}
		return copied
	default:
		return typed
	}
}

func sanitizeMap(source map[string]any) map[string]any {
	result := make(map[string]any, len(source))
	for key, value := range source {
		if strings.HasPrefix(key, InternalPrefix) {
			continue
		}
		switch typed := value.(type) {
		case map[string]any:
			result[key] = sanitizeMap(typed)
		case Event:
			result[key] = sanitizeMap(map[string]any(typed))
		case []any:
			copied := make([]any, len(typed))
			for index, element := range typed {
				if nested, ok := element.(map[string]any); ok {
					copied[index] = sanitizeMap(nested)
				} else {
					copied[index] = cloneValue(element)
				}
			}
			result[key] = copied
		default:
			result[key] = cloneValue(value)
		}
	}
	return result
}

func mapHasInternal(source map[string]any) bool {
	for key, value := range source {
		if strings.HasPrefix(key, InternalPrefix) {
			return true
		}
		switch typed := value.(type) {
		case map[string]any:
			if mapHasInternal(typed) {
				return true
			}
		case Event:
			if mapHasInternal(map[string]any(typed)) {
				return true
			}
		case []any:
			for _, element := range typed {
				if nested, ok := element.(map[string]any); ok && mapHasInternal(nested) {
					return true
				}
			}
		}
	}
	return false
}
