// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics bundles the gateway's Prometheus collectors. The
// bundle owns a private registry and is passed by handle, so tests and
// multiple gateway instances in one process never fight over global
// registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caravel-telemetry/caravel/lib/pipeline"
	"github.com/caravel-telemetry/caravel/lib/sink"
)

// Metrics is the gateway's collector bundle.
type Metrics struct {
	registry *prometheus.Registry

	// EventsIngested counts events accepted at /ingest, by source.
	EventsIngested *prometheus.CounterVec

	// EventsRejected counts ingest requests refused, by reason
	// (decode, internal_keys, too_large, backpressure).
	EventsRejected *prometheus.CounterVec

	// SinkWritten, SinkQueued, SinkErrors, SinkRetries mirror the
	// per-sink write results, by sink.
	SinkWritten *prometheus.CounterVec
	SinkQueued  *prometheus.CounterVec
	SinkErrors  *prometheus.CounterVec
	SinkRetries *prometheus.CounterVec

	// IngestDuration observes the full handle time of /ingest.
	IngestDuration prometheus.Histogram
}

// New builds the bundle and registers everything, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caravel_events_ingested_total",
			Help: "Events accepted at the ingest endpoint.",
		}, []string{"source"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caravel_events_rejected_total",
			Help: "Ingest requests refused before processing.",
		}, []string{"reason"}),
		SinkWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caravel_sink_written_total",
			Help: "Events delivered to a sink.",
		}, []string{"sink"}),
		SinkQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caravel_sink_queued_total",
			Help: "Events diverted to a sink's spool.",
		}, []string{"sink"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caravel_sink_errors_total",
			Help: "Events a sink failed terminally or could not spool.",
		}, []string{"sink"}),
		SinkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caravel_sink_retries_total",
			Help: "Write attempts retried against a sink.",
		}, []string{"sink"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "caravel_ingest_duration_seconds",
			Help:    "Wall time to handle one ingest request.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(
		m.EventsIngested,
		m.EventsRejected,
		m.SinkWritten,
		m.SinkQueued,
		m.SinkErrors,
		m.SinkRetries,
		m.IngestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the bundle in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveWrite folds one fan-out result into the per-sink counters.
func (m *Metrics) ObserveWrite(result sink.Result) {
	for name, r := range result.PerSink {
		m.SinkWritten.WithLabelValues(name).Add(float64(r.Written))
		m.SinkQueued.WithLabelValues(name).Add(float64(r.Queued))
		m.SinkErrors.WithLabelValues(name).Add(float64(r.Errors))
		m.SinkRetries.WithLabelValues(name).Add(float64(r.Retries))
	}
}

// RegisterPipeline exposes the pipeline's cumulative counters. The
// stats callback is read at scrape time.
func (m *Metrics) RegisterPipeline(stats func() pipeline.Stats) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "caravel_pipeline_processed_total",
			Help: "Events run through the processing pipeline.",
		}, func() float64 { return float64(stats().Processed) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "caravel_pipeline_stage_errors_total",
			Help: "Per-event stage failures that fell back to the pre-stage event.",
		}, func() float64 { return float64(stats().StageErrors) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "caravel_pipeline_held_total",
			Help: "Events withheld by the strict PII check.",
		}, func() float64 { return float64(stats().Held) }),
	)
}

// RegisterSinkGauges exposes one sink's spool utilization and breaker
// state (0 closed, 1 open, 2 half-open), read at scrape time. Either
// callback may be nil when the sink lacks that component.
func (m *Metrics) RegisterSinkGauges(name string, spoolUtilization, breakerState func() float64) {
	labels := prometheus.Labels{"sink": name}
	if spoolUtilization != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "caravel_spool_utilization",
			Help:        "Spool bytes used as a fraction of the quota.",
			ConstLabels: labels,
		}, spoolUtilization))
	}
	if breakerState != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "caravel_breaker_state",
			Help:        "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
			ConstLabels: labels,
		}, breakerState))
	}
}
