// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package models

// Ack statuses. Acks are advisory diagnostics: clients must not treat them
// as delivery guarantees. The delivery contract stays at-least-once, with
// event_id as the dedup key on resend.
const (
	AckPersisted = "persisted" // row written by this attempt
	AckDuplicate = "duplicate" // claim lost or row already present
	AckInvalid   = "invalid"   // frame dropped: decode or validation failure
	AckRetry     = "retry"     // transient failure; client may resend
	AckFailed    = "failed"    // permanent failure; resending is futile
)

// Ack is the optional per-frame acknowledgement written back on a session.
type Ack struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}
