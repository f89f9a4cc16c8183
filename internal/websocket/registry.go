// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

// Package websocket implements the ingest side of the gateway: one Session
// per client connection reading event frames, and a Registry tracking open
// sessions so the supervisor can drain them on shutdown.
package websocket

import (
	"context"
	"sort"
	"sync"

	"github.com/mtarnawa/eventgate/internal/logging"
	"github.com/mtarnawa/eventgate/internal/metrics"
)

// ShutdownReason identifies why the registry is shutting down.
type ShutdownReason string

const (
	// ShutdownReasonContextCanceled indicates the parent context was canceled.
	// This is the normal graceful shutdown path (e.g., SIGTERM).
	ShutdownReasonContextCanceled ShutdownReason = "context_canceled"

	// ShutdownReasonContextDeadline indicates the context deadline was exceeded.
	// This may indicate a hung operation during shutdown.
	ShutdownReasonContextDeadline ShutdownReason = "context_deadline"
)

// Registry maintains the set of active ingest sessions. Sessions register on
// upgrade and unregister when their read pump exits; shutdown closes every
// remaining session.
type Registry struct {
	sessions   map[*Session]bool
	Register   chan *Session
	Unregister chan *Session
	mu         sync.RWMutex
}

// NewRegistry creates a new Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[*Session]bool),
		Register:   make(chan *Session),
		Unregister: make(chan *Session),
	}
}

// RunWithContext runs the registry loop until the context is canceled, then
// closes all connected sessions and returns ctx.Err(). Designed for suture
// supervision.
//
// Shutdown is checked with priority over lifecycle events: when cancellation
// and a registration race, the registration must not be accepted into a
// registry that is about to stop draining.
func (r *Registry) RunWithContext(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.logGracefulShutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case <-ctx.Done():
			r.logGracefulShutdown(ctx)
			return ctx.Err()

		case session := <-r.Register:
			r.mu.Lock()
			r.sessions[session] = true
			total := len(r.sessions)
			r.mu.Unlock()
			metrics.RecordSessionOpened()
			logging.Info().
				Uint64("session_id", session.id).
				Str("remote", session.remote).
				Int("total_sessions", total).
				Msg("ingest session opened")

		case session := <-r.Unregister:
			r.mu.Lock()
			if _, ok := r.sessions[session]; ok {
				delete(r.sessions, session)
				close(session.send)
				metrics.RecordSessionClosed()
			}
			total := len(r.sessions)
			r.mu.Unlock()
			logging.Info().
				Uint64("session_id", session.id).
				Int("total_sessions", total).
				Msg("ingest session closed")
		}
	}
}

// logGracefulShutdown closes all sessions and logs structured shutdown
// information. ctx.Err() is not logged as an error: cancellation is the
// expected shutdown path, and an error-level entry would page operators for
// normal restarts.
func (r *Registry) logGracefulShutdown(ctx context.Context) {
	closed := r.closeAllSessions()

	logging.Info().
		Str("component", "session-registry").
		Str("reason", string(getShutdownReason(ctx))).
		Int("sessions_closed", closed).
		Msg("session registry stopped")
}

// getShutdownReason determines the shutdown reason from the context error.
func getShutdownReason(ctx context.Context) ShutdownReason {
	switch ctx.Err() {
	case context.Canceled:
		return ShutdownReasonContextCanceled
	case context.DeadlineExceeded:
		return ShutdownReasonContextDeadline
	default:
		return ShutdownReasonContextCanceled
	}
}

// closeAllSessions closes every connected session and reports how many were
// open. Closing the send channel stops the write pump, which closes the
// connection, which ends the read pump; per-event claims are already settled
// or protected by their own detached contexts, so no claim cleanup happens
// here.
func (r *Registry) closeAllSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Close in session id order so shutdown behavior is reproducible.
	sessions := make([]*Session, 0, len(r.sessions))
	for session := range r.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].id < sessions[j].id
	})

	for _, session := range sessions {
		close(session.send)
		delete(r.sessions, session)
		metrics.RecordSessionClosed()
	}
	return len(sessions)
}

// Count returns the number of connected sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
