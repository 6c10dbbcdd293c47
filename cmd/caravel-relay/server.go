// Copyright 2026 The Caravel Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/caravel-telemetry/caravel/lib/clock"
	"github.com/caravel-telemetry/caravel/lib/event"
	"github.com/caravel-telemetry/caravel/lib/spool"
)

// relayServer is the loopback listener for local producers and
// operators.
type relayServer struct {
	buffer    MessageBuffer
	shipper   *Shipper
	clock     clock.Clock
	startedAt time.Time
	logger    *slog.Logger
}

func (r *relayServer) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/events", r.handleEvents).Methods(http.MethodPost)
	router.HandleFunc("/status", r.handleStatus).Methods(http.MethodGet)
	return router
}

// handleEvents accepts a JSON array of events from a local producer
// and buffers them. A full durable buffer answers 429 so the
// producer can apply its own backpressure.
func (r *relayServer) handleEvents(writer http.ResponseWriter, request *http.Request) {
	var events event.Batch
	if err := json.NewDecoder(request.Body).Decode(&events); err != nil {
		respondJSON(writer, http.StatusBadRequest, map[string]string{
			"error": "parsing events: " + err.Error(),
		})
		return
	}

	accepted := 0
	for _, item := range events {
		if item.HasInternalKeys() {
			respondJSON(writer, http.StatusBadRequest, map[string]string{
				"error": "events must not carry internal keys",
			})
			return
		}
		if err := r.buffer.Put(item); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, spool.ErrQueueFull) {
				status = http.StatusTooManyRequests
			}
			r.logger.Warn("buffer rejected event", "error", err)
			respondJSON(writer, status, map[string]any{
				"error":    err.Error(),
				"accepted": accepted,
			})
			return
		}
		accepted++
	}
	respondJSON(writer, http.StatusAccepted, map[string]int{"accepted": accepted})
}

// statusResponse carries only aggregate counters, no event content.
type statusResponse struct {
	BufferDepth   int     `json:"buffer_depth"`
	Dropped       uint64  `json:"dropped"`
	Shipped       uint64  `json:"shipped"`
	RetryBacklog  int     `json:"retry_backlog"`
	Abandoned     uint64  `json:"abandoned"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (r *relayServer) handleStatus(writer http.ResponseWriter, _ *http.Request) {
	respondJSON(writer, http.StatusOK, statusResponse{
		BufferDepth:   r.buffer.Len(),
		Dropped:       r.buffer.Dropped(),
		Shipped:       r.shipper.Shipped(),
		RetryBacklog:  r.shipper.RetryBacklog(),
		Abandoned:     r.shipper.Abandoned(),
		UptimeSeconds: r.clock.Now().Sub(r.startedAt).Seconds(),
	})
}

func respondJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(body)
}
