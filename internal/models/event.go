// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

// Package models defines the wire and storage types shared across EventGate:
// the event record submitted by clients, the per-frame acknowledgement, and
// the operational payloads served by the HTTP API.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Field limits for event records. event_id is bounded by the width of the
// store's unique column; both limits are byte counts, not rune counts.
const (
	MaxEventIDBytes   = 255
	MaxEventTypeBytes = 100
)

// emptyPayload is stored when a client omits the payload; the payload column
// is NOT NULL.
var emptyPayload = json.RawMessage(`{}`)

// EventRecord is the canonical in-memory representation of one submitted
// event. One record is decoded per inbound frame.
//
// event_id is the sole identity key: two records with the same event_id are
// the same logical event regardless of other fields, and the first
// successfully persisted record wins. payload is opaque to the gateway and
// stored verbatim. created_at is advisory only; it is never consulted for
// deduplication or ordering.
type EventRecord struct {
	EventID   string          `json:"event_id" db:"event_id"`
	EventType string          `json:"event_type" db:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty" db:"payload"`
	CreatedAt *time.Time      `json:"created_at,omitempty" db:"-"`
}

// ValidationError reports a rejected field on an inbound record.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validate checks the record against the field limits. Length checks use
// len() because the limits are byte bounds from the store schema; a rune
// count would admit oversized multi-byte identifiers.
func (r *EventRecord) Validate() error {
	if r.EventID == "" {
		return &ValidationError{Field: "event_id", Message: "required"}
	}
	if len(r.EventID) > MaxEventIDBytes {
		return &ValidationError{Field: "event_id", Message: "exceeds 255 bytes"}
	}
	if r.EventType == "" {
		return &ValidationError{Field: "event_type", Message: "required"}
	}
	if len(r.EventType) > MaxEventTypeBytes {
		return &ValidationError{Field: "event_type", Message: "exceeds 100 bytes"}
	}
	return nil
}

// NormalizePayload substitutes the empty JSON object for an omitted or null
// payload so the record satisfies the store's NOT NULL column. Non-empty
// payloads pass through untouched.
func (r *EventRecord) NormalizePayload() {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		r.Payload = emptyPayload
	}
}

// DecodeEventRecord parses one frame into a validated, normalized record.
// The returned error is either a JSON decode error or a *ValidationError;
// callers drop the frame and keep the session open in both cases.
func DecodeEventRecord(frame []byte) (EventRecord, error) {
	var rec EventRecord
	if err := json.Unmarshal(frame, &rec); err != nil {
		return EventRecord{}, err
	}
	if err := rec.Validate(); err != nil {
		return EventRecord{}, err
	}
	rec.NormalizePayload()
	return rec, nil
}
