// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/compress"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/metrics"
	"github.com/caravel-telemetry/caravel/lib/pipeline"
	"github.com/caravel-telemetry/caravel/lib/sink"
)

// backpressureRetryAfter is the Retry-After hint sent with 429 when
// every overflow path (including the spool) is saturated. Long enough
// for at least one drain pass to free quota.
const backpressureRetryAfter = 30 * time.Second

// Gateway is the ingest service's runtime state, shared by the HTTP
// handlers.
type Gateway struct {
	pipeline     *pipeline.Pipeline
	sinks        *sink.Manager
	metrics      *metrics.Metrics
	maxBodyBytes int64
	clock        clock.Clock
	startedAt    time.Time
	logger       *slog.Logger
}

// routes builds the HTTP router.
func (g *Gateway) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ingest", g.handleIngest).Methods(http.MethodPost)
	router.HandleFunc("/healthz", g.handleHealthz).Methods(http.MethodGet)
	router.Handle("/metrics", g.metrics.Handler()).Methods(http.MethodGet)
	return router
}

// ingestResponse is the JSON body of a successful ingest.
type ingestResponse struct {
	Accepted  int         `json:"accepted"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Result    sink.Result `json:"result"`
}

// handleIngest decodes a relay envelope, pipelines it, and fans it
// out. Envelope problems are the relay's fault (400); a saturated
// spool is ours (429 with Retry-After).
func (g *Gateway) handleIngest(writer http.ResponseWriter, request *http.Request) {
	started := g.clock.Now()
	defer func() {
		g.metrics.IngestDuration.Observe(g.clock.Now().Sub(started).Seconds())
	}()

	envelope, ok := g.decodeEnvelope(writer, request)
	if !ok {
		return
	}

	g.metrics.EventsIngested.WithLabelValues(envelope.Source).
		Add(float64(len(envelope.Messages)))

	processed := g.pipeline.RunBatch(request.Context(), envelope.Messages)
	result := g.sinks.Write(request.Context(), processed)
	g.metrics.ObserveWrite(result)

	if result.Totals.Backpressure {
		g.metrics.EventsRejected.WithLabelValues("backpressure").
			Add(float64(len(envelope.Messages)))
		writer.Header().Set("Retry-After",
			strconv.Itoa(int(backpressureRetryAfter.Seconds())))
		writeJSON(writer, http.StatusTooManyRequests, map[string]string{
			"error": "spool at capacity, retry later",
		})
		return
	}

	writeJSON(writer, http.StatusAccepted, ingestResponse{
		Accepted:  len(processed),
		Duplicate: result.Duplicate,
		Result:    result,
	})
}

// decodeEnvelope reads, decompresses, parses, and validates the
// request body. On failure it writes the error response and returns
// ok=false.
func (g *Gateway) decodeEnvelope(writer http.ResponseWriter, request *http.Request) (event.Envelope, bool) {
	var envelope event.Envelope

	body, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, g.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.reject(writer, http.StatusRequestEntityTooLarge, "too_large",
				"request body exceeds limit")
		} else {
			g.reject(writer, http.StatusBadRequest, "decode", "reading body: "+err.Error())
		}
		return envelope, false
	}

	tag, err := compress.ParseTag(request.Header.Get("Content-Encoding"))
	if err != nil {
		g.reject(writer, http.StatusUnsupportedMediaType, "decode",
			"unsupported content encoding")
		return envelope, false
	}
	decoded, err := compress.Decompress(body, tag)
	if err != nil {
		g.reject(writer, http.StatusBadRequest, "decode", "decompressing body: "+err.Error())
		return envelope, false
	}

	if err := json.Unmarshal(decoded, &envelope); err != nil {
		g.reject(writer, http.StatusBadRequest, "decode", "parsing envelope: "+err.Error())
		return envelope, false
	}

	if err := envelope.Validate(); err != nil {
		reason := "invalid"
		if errors.Is(err, event.ErrInternalKeys) {
			reason = "internal_keys"
		}
		g.reject(writer, http.StatusBadRequest, reason, err.Error())
		return envelope, false
	}
	return envelope, true
}

// reject counts and answers one refused request.
func (g *Gateway) reject(writer http.ResponseWriter, status int, reason, message string) {
	g.metrics.EventsRejected.WithLabelValues(reason).Inc()
	g.logger.Warn("ingest rejected",
		"status", status,
		"reason", reason,
		"detail", message,
	)
	writeJSON(writer, status, map[string]string{"error": message})
}

// healthResponse is the JSON body of /healthz.
type healthResponse struct {
	Status        string          `json:"status"`
	Sinks         map[string]bool `json:"sinks"`
	UptimeSeconds float64         `json:"uptime_seconds"`
}

// handleHealthz reports aggregate sink health: 200 when every sink is
// usable, 503 otherwise. The body names the offender either way.
func (g *Gateway) handleHealthz(writer http.ResponseWriter, request *http.Request) {
	perSink := make(map[string]bool)
	for _, s := range g.sinks.Sinks() {
		perSink[s.Name()] = s.Healthy()
	}

	response := healthResponse{
		Status:        "ok",
		Sinks:         perSink,
		UptimeSeconds: g.clock.Now().Sub(g.startedAt).Seconds(),
	}
	status := http.StatusOK
	if !g.sinks.Healthy() {
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(writer, status, response)
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(body)
}
