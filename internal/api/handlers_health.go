// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package api

import (
	"net/http"
	"time"

	"github.com/mtarnawa/eventgate/internal/identity"
	"github.com/mtarnawa/eventgate/internal/models"
)

// Info returns instance identity for fleet inspection: which build is
// this, and which instance ID will its claims carry.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(models.InstanceInfo{
		Name:          Name,
		Version:       Version,
		InstanceID:    identity.Instance(),
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	})
}

// Health reports overall health. Both dependencies are pinged; either one
// failing degrades the report but keeps the status code at 200, this
// endpoint describes state rather than gating traffic.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storeConnected := h.store != nil && h.store.Ping(ctx) == nil
	coordinatorConnected := h.coordinator != nil && h.coordinator.Ping(ctx) == nil

	status := "healthy"
	if !storeConnected || !coordinatorConnected {
		status = "degraded"
	}

	sessions := 0
	if h.registry != nil {
		sessions = h.registry.Count()
	}

	NewResponseWriter(w, r).Success(models.HealthStatus{
		Status:               status,
		InstanceID:           identity.Instance(),
		StoreConnected:       storeConnected,
		CoordinatorConnected: coordinatorConnected,
		ActiveSessions:       sessions,
		UptimeSeconds:        time.Since(h.startTime).Seconds(),
	})
}

// HealthLive is the liveness probe: 200 whenever the process is up,
// regardless of dependencies.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]interface{}{
		"alive":          true,
		"uptime_seconds": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady is the readiness probe. Only the store gates readiness: it
// is the authoritative dependency, and without it no event can settle. A
// down coordinator is reported but does not fail the probe, because its
// outage is surfaced per event as a retryable failure rather than by
// taking the instance out of rotation.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	storeConnected := h.store != nil && h.store.Ping(ctx) == nil
	coordinatorConnected := h.coordinator != nil && h.coordinator.Ping(ctx) == nil

	payload := map[string]interface{}{
		"store_connected":       storeConnected,
		"coordinator_connected": coordinatorConnected,
		"ready_to_serve":        storeConnected,
		"uptime_seconds":        time.Since(h.startTime).Seconds(),
	}

	if !storeConnected {
		NewResponseWriter(w, r).ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Event store unreachable", payload)
		return
	}

	NewResponseWriter(w, r).Success(payload)
}
