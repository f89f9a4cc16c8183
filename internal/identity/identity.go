// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

// Package identity provides the process-wide instance identity.
//
// The identity is a random UUID generated once at first use. It marks claim
// ownership in the coordinator: a release only succeeds when the stored value
// equals the releasing instance's identity, so identities must be unique
// across the fleet with high probability. It is deliberately not
// configurable; a fixed or reused value would let one instance delete
// another's claims.
package identity

import (
	"sync"

	"github.com/google/uuid"
)

var (
	once     sync.Once
	instance string
)

// Instance returns the process-wide instance identity. The value is stable
// for the lifetime of the process and unique across processes.
func Instance() string {
	once.Do(func() {
		instance = uuid.New().String()
	})
	return instance
}

// Short returns the first 8 characters of the instance identity, for
// human-readable log output.
func Short() string {
	return Instance()[:8]
}
