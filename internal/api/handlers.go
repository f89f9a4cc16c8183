// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package api

import (
	"context"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/mtarnawa/eventgate/internal/config"
	"github.com/mtarnawa/eventgate/internal/logging"
	"github.com/mtarnawa/eventgate/internal/websocket"
)

// Name identifies the service in the instance info payload.
const Name = "eventgate"

// Version identifies the running build. Overridden at release time via
// -ldflags "-X github.com/mtarnawa/eventgate/internal/api.Version=v1.2.3".
var Version = "dev"

// EventStore is the authoritative persistence dependency. Readiness gates
// on it: a gateway that cannot reach the store cannot settle any event.
type EventStore interface {
	Ping(ctx context.Context) error
}

// Coordinator is the claim coordinator. Its failures degrade health but
// never fail readiness; an unreachable coordinator is reported per event.
type Coordinator interface {
	Ping(ctx context.Context) error
}

// Handler processes HTTP requests for the gateway's API surface.
type Handler struct {
	store       EventStore
	coordinator Coordinator
	registry    *websocket.Registry
	processor   websocket.Processor
	config      *config.Config
	startTime   time.Time
}

// NewHandler creates an API handler with its dependencies.
func NewHandler(store EventStore, coordinator Coordinator, registry *websocket.Registry, processor websocket.Processor, cfg *config.Config) *Handler {
	return &Handler{
		store:       store,
		coordinator: coordinator,
		registry:    registry,
		processor:   processor,
		config:      cfg,
		startTime:   time.Now(),
	}
}

// Events upgrades the connection to WebSocket and hands it to a new ingest
// session. The session owns the connection from here: registration,
// read/write pumps, and eventual unregistration all happen inside it.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.registry == nil || h.processor == nil {
		logging.Warn().Msg("WebSocket connection rejected: ingest layer not initialized")
		NewResponseWriter(w, r).Error(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Event ingress unavailable")
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		logging.Error().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade error")
		return
	}

	session := websocket.NewSession(h.registry, conn, h.processor, &h.config.Session)
	h.registry.Register <- session
	session.Start()
}

// getUpgrader creates a WebSocket upgrader with origin checking and a
// handshake timeout against slow-client attacks.
func (h *Handler) getUpgrader() gorilla.Upgrader {
	return gorilla.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin validates browser origins against the configured CORS list.
// Requests without an Origin header are allowed: event producers are
// services and CLIs, not browsers, and never send one. Browser-originated
// connections must match the configured origins.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if h.config == nil {
		return true
	}

	for _, allowed := range h.config.Server.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}

	logging.Warn().Str("origin", origin).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}
