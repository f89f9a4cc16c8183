// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

// Package services wraps the gateway's long-running components as
// suture.Service implementations for use in the supervisor tree.
package services

import (
	"context"
)

// ContextRegistry is the interface the session registry must implement
// to run under supervision.
type ContextRegistry interface {
	RunWithContext(ctx context.Context) error
}

// RegistryService wraps the WebSocket session registry as a
// suture.Service.
type RegistryService struct {
	registry ContextRegistry
	name     string
}

// NewRegistryService creates a supervised wrapper around the registry.
func NewRegistryService(registry ContextRegistry) *RegistryService {
	return &RegistryService{
		registry: registry,
		name:     "session-registry",
	}
}

// Serve runs the registry event loop until the context is canceled.
// Restart and backoff on failure are handled by the supervisor.
func (s *RegistryService) Serve(ctx context.Context) error {
	return s.registry.RunWithContext(ctx)
}

// String returns the service name for supervisor logging.
func (s *RegistryService) String() string {
	return s.name
}
