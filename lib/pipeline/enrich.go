// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
)

// ServiceRule maps a path or hostname pattern to a service label.
type ServiceRule struct {
	// Pattern is a regular expression tried against the event's
	// path, hostname, and source fields.
	Pattern string `json:"pattern" yaml:"pattern"`

	// Service is the label assigned on the first match.
	Service string `json:"service" yaml:"service"`
}

// HostnameRule derives site and environment tags from a hostname.
type HostnameRule struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Site        string `json:"site" yaml:"site"`
	Environment string `json:"environment" yaml:"environment"`
}

// GeoRule attaches static tags to events whose source address falls
// inside a subnet.
type GeoRule struct {
	CIDR string            `json:"cidr" yaml:"cidr"`
	Tags map[string]string `json:"tags" yaml:"tags"`
}

// EnricherConfig configures the deterministic enrichment stage.
type EnricherConfig struct {
	// StaticTags are merged into every event's tags without
	// clobbering values already present.
	StaticTags map[string]string

	// SeverityMap translates textual severities to numbers,
	// case-insensitively. Defaults to the syslog scale. Numeric
	// severity strings pass through unchanged.
	SeverityMap map[string]int

	// ServiceRules are tried in order; the first match assigns the
	// service field.
	ServiceRules []ServiceRule

	// HostnameRules are tried in order against the hostname; the
	// first match assigns site and environment tags.
	HostnameRules []HostnameRule

	// GeoRules are tried in order against the event's address
	// fields; the first containing subnet contributes its tags.
	GeoRules []GeoRule

	// Clock supplies the fallback timestamp. Required.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type compiledServiceRule struct {
	expr    *regexp.Regexp
	service string
}

type compiledHostnameRule struct {
	expr        *regexp.Regexp
	site        string
	environment string
}

type compiledGeoRule struct {
	network *net.IPNet
	tags    map[string]string
}

// Enricher is the deterministic enrichment stage: static tags,
// numeric severity, service derivation, geo hints, site/environment
// tags, and timestamp normalization.
type Enricher struct {
	staticTags    map[string]string
	severityMap   map[string]int
	serviceRules  []compiledServiceRule
	hostnameRules []compiledHostnameRule
	geoRules      []compiledGeoRule
	clock         clock.Clock
	logger        *slog.Logger
}

// timestampFields are the alternate field names consumed by the
// normalizer, in priority order.
var timestampFields = []string{
	event.KeyTimestamp, "time", "@timestamp", "ts", "datetime", "event_time",
}

// timestampLayouts are the accepted string formats, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"02/Jan/2006:15:04:05 -0700",
}

// syslogLayout has no year; the normalizer fills in the current one.
const syslogLayout = "Jan _2 15:04:05"

// defaultSeverityMap is the syslog severity scale.
func defaultSeverityMap() map[string]int {
	return map[string]int{
		"emergency": 0, "emerg": 0,
		"alert":    1,
		"critical": 2, "crit": 2,
		"error": 3, "err": 3,
		"warning": 4, "warn": 4,
		"notice": 5,
		"info":   6, "informational": 6,
		"debug": 7,
	}
}

// NewEnricher compiles the rule tables.
func NewEnricher(config EnricherConfig) (*Enricher, error) {
	if config.Clock == nil {
		panic("pipeline: Clock is required")
	}
	if config.SeverityMap == nil {
		config.SeverityMap = defaultSeverityMap()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	severityMap := make(map[string]int, len(config.SeverityMap))
	for name, level := range config.SeverityMap {
		severityMap[strings.ToLower(name)] = level
	}

	serviceRules := make([]compiledServiceRule, 0, len(config.ServiceRules))
	for _, rule := range config.ServiceRules {
		expr, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pipeline: service rule %q: %w", rule.Pattern, err)
		}
		serviceRules = append(serviceRules, compiledServiceRule{expr: expr, service: rule.Service})
	}

	hostnameRules := make([]compiledHostnameRule, 0, len(config.HostnameRules))
	for _, rule := range config.HostnameRules {
		expr, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pipeline: hostname rule %q: %w", rule.Pattern, err)
		}
		hostnameRules = append(hostnameRules, compiledHostnameRule{
			expr:        expr,
			site:        rule.Site,
			environment: rule.Environment,
		})
	}

	geoRules := make([]compiledGeoRule, 0, len(config.GeoRules))
	for _, rule := range config.GeoRules {
		_, network, err := net.ParseCIDR(rule.CIDR)
		if err != nil {
			return nil, fmt.Errorf("pipeline: geo rule %q: %w", rule.CIDR, err)
		}
		geoRules = append(geoRules, compiledGeoRule{network: network, tags: rule.Tags})
	}

	return &Enricher{
		staticTags:    config.StaticTags,
		severityMap:   severityMap,
		serviceRules:  serviceRules,
		hostnameRules: hostnameRules,
		geoRules:      geoRules,
		clock:         config.Clock,
		logger:        config.Logger,
	}, nil
}

// Name identifies the stage.
func (e *Enricher) Name() string { return "enrich" }

// Process returns an enriched copy of the event.
func (e *Enricher) Process(_ context.Context, input event.Event) (event.Event, error) {
	output := input.Clone()
	tags := output.Tags()
	if tags == nil {
		tags = make(map[string]string)
	}

	for key, value := range e.staticTags {
		if _, exists := tags[key]; !exists {
			tags[key] = value
		}
	}

	e.enrichSeverity(output)
	e.enrichService(output)
	e.enrichGeo(output, tags)
	e.enrichHostname(output, tags)
	e.normalizeTimestamp(output)

	if len(tags) > 0 {
		output.SetTags(tags)
	}
	return output, nil
}

// enrichSeverity sets severity_num from the severity field. Numeric
// severities, whether number-typed or numeric strings, pass through
// as-is.
func (e *Enricher) enrichSeverity(output event.Event) {
	if _, exists := output["severity_num"]; exists {
		return
	}
	switch severity := output[event.KeySeverity].(type) {
	case string:
		if numeric, err := strconv.Atoi(strings.TrimSpace(severity)); err == nil {
			output["severity_num"] = numeric
			return
		}
		if level, known := e.severityMap[strings.ToLower(strings.TrimSpace(severity))]; known {
			output["severity_num"] = level
		}
	case float64:
		output["severity_num"] = int(severity)
	case int:
		output["severity_num"] = severity
	}
}

// enrichService assigns the service field from the first rule that
// matches the event's path, hostname, or source.
func (e *Enricher) enrichService(output event.Event) {
	if output["service"] != nil {
		return
	}
	candidates := []string{
		stringField(output, "path"),
		output.Hostname(),
		output.Source(),
	}
	for _, rule := range e.serviceRules {
		for _, candidate := range candidates {
			if candidate != "" && rule.expr.MatchString(candidate) {
				output["service"] = rule.service
				return
			}
		}
	}
}

// enrichGeo merges the first matching subnet's tags.
func (e *Enricher) enrichGeo(output event.Event, tags map[string]string) {
	address := firstNonEmpty(
		stringField(output, "ip"),
		stringField(output, "client_ip"),
		stringField(output, "src_ip"),
		stringField(output, "host_ip"),
	)
	if address == "" {
		return
	}
	parsed := net.ParseIP(address)
	if parsed == nil {
		return
	}
	for _, rule := range e.geoRules {
		if rule.network.Contains(parsed) {
			for key, value := range rule.tags {
				if _, exists := tags[key]; !exists {
					tags[key] = value
				}
			}
			return
		}
	}
}

// enrichHostname assigns site and environment tags from the first
// matching hostname rule.
func (e *Enricher) enrichHostname(output event.Event, tags map[string]string) {
	hostname := output.Hostname()
	if hostname == "" {
		return
	}
	for _, rule := range e.hostnameRules {
		if !rule.expr.MatchString(hostname) {
			continue
		}
		if rule.site != "" {
			if _, exists := tags["site"]; !exists {
				tags["site"] = rule.site
			}
		}
		if rule.environment != "" {
			if _, exists := tags["environment"]; !exists {
				tags["environment"] = rule.environment
			}
		}
		return
	}
}

// normalizeTimestamp folds the alternate timestamp fields into one
// canonical RFC 3339 UTC string in the timestamp field, defaulting to
// the current time when nothing usable is present. A consumed
// alternate field is removed.
func (e *Enricher) normalizeTimestamp(output event.Event) {
	for _, field := range timestampFields {
		value, present := output[field]
		if !present {
			continue
		}
		parsed, ok := parseTimestamp(value, e.clock.Now())
		if !ok {
			continue
		}
		output[event.KeyTimestamp] = parsed.UTC().Format(time.RFC3339Nano)
		if field != event.KeyTimestamp {
			delete(output, field)
		}
		return
	}
	output[event.KeyTimestamp] = e.clock.Now().UTC().Format(time.RFC3339Nano)
}

// parseTimestamp interprets one timestamp value. The year-less syslog
// layout is completed with now's year, keeping the stage on the
// injected clock.
func parseTimestamp(value any, now time.Time) (time.Time, bool) {
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed, true
			}
		}
		if parsed, err := time.Parse(syslogLayout, trimmed); err == nil {
			return parsed.AddDate(now.Year(), 0, 0), true
		}
		if seconds, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return epochToTime(seconds), true
		}
		return time.Time{}, false
	case float64:
		return epochToTime(typed), true
	case int64:
		return epochToTime(float64(typed)), true
	case int:
		return epochToTime(float64(typed)), true
	default:
		return time.Time{}, false
	}
}

// epochToTime interprets large magnitudes as milliseconds.
func epochToTime(value float64) time.Time {
	if value > 1e12 {
		return time.UnixMilli(int64(value))
	}
	seconds := int64(value)
	nanos := int64((value - float64(seconds)) * 1e9)
	return time.Unix(seconds, nanos)
}

func stringField(source event.Event, key string) string {
	value, _ := source[key].(string)
	return value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
