// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

// Package dedup implements the single-flight claim-and-persist protocol that
// turns at-least-once delivery into exactly-once persistence.
//
// Process runs exactly three suspension points per event: Claim, Insert, and
// (on failure only) Release. The coordinator claim is an availability
// optimization that absorbs duplicate storms before they reach the database;
// the store's unique constraint is the authoritative verdict. A successful
// persist keeps its claim until TTL expiry so near-term client retries of the
// same event_id are answered from Redis instead of burning an insert.
package dedup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mtarnawa/eventgate/internal/coordinator"
	"github.com/mtarnawa/eventgate/internal/logging"
	"github.com/mtarnawa/eventgate/internal/metrics"
	"github.com/mtarnawa/eventgate/internal/models"
	"github.com/mtarnawa/eventgate/internal/store"
)

// Coordinator grants and releases single-flight claims on event ids.
// Implementations include the Redis client and failure-injecting test fakes.
type Coordinator interface {
	Claim(ctx context.Context, eventID, owner string, ttl time.Duration) (coordinator.ClaimResult, error)
	Release(ctx context.Context, eventID, owner string) (coordinator.ReleaseResult, error)
}

// EventStore persists event records under the unique event_id constraint.
type EventStore interface {
	Insert(ctx context.Context, rec *models.EventRecord) (store.InsertResult, error)
}

// Outcome is the settled verdict for one processed event. The zero value is
// not a valid outcome; it accompanies a non-nil error.
type Outcome int

const (
	// OutcomePersisted means this call wrote the row.
	OutcomePersisted Outcome = iota + 1
	// OutcomeDuplicate means the event was already claimed or already
	// persisted; nothing was written.
	OutcomeDuplicate
)

// String returns the metric label for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomePersisted:
		return "persisted"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Metric labels for unsettled results.
const (
	labelRetryable = "retryable"
	labelPermanent = "permanent"
)

// Stats holds runtime counters for monitoring.
type Stats struct {
	Processed  int64 // Total Process calls
	Persisted  int64 // Rows written by this instance
	Duplicates int64 // Claim lost or row already present
	Retryable  int64 // Transient failures returned to the client
	Permanent  int64 // Fatal failures returned to the client
}

// Processor coordinates claim, persist, and release for inbound events.
// Stateless per event and safe for unbounded concurrent use.
type Processor struct {
	coordinator Coordinator
	store       EventStore
	owner       string
	ttl         time.Duration

	// Counters (atomic for thread-safe reads)
	processed  atomic.Int64
	persisted  atomic.Int64
	duplicates atomic.Int64
	retryable  atomic.Int64
	permanent  atomic.Int64
}

// New creates a Processor. owner is the claim ownership value, normally the
// process instance ID; ttl is the claim lifetime.
func New(coord Coordinator, st EventStore, owner string, ttl time.Duration) (*Processor, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator required")
	}
	if st == nil {
		return nil, fmt.Errorf("event store required")
	}
	if owner == "" {
		return nil, fmt.Errorf("claim owner required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("claim ttl must be positive, got %v", ttl)
	}
	return &Processor{
		coordinator: coord,
		store:       st,
		owner:       owner,
		ttl:         ttl,
	}, nil
}

// Process settles one validated event record.
//
// The returned error is nil exactly when a verdict was reached: persisted or
// duplicate. A *RetryableError means nothing was written and the client may
// resend; a *PermanentError means the store rejected the record terminally.
//
// A lost claim short-circuits without touching the store. An unavailable
// coordinator also short-circuits: falling through to the store during a
// Redis outage would stampede the database with the exact duplicate load the
// claim layer exists to absorb, so availability is traded for backpressure.
//
// Once the claim is won the event must settle. The post-claim phase runs on a
// context detached from the caller's cancellation (the per-operation timeouts
// inside the store and coordinator clients still bound it), so a client
// disconnect mid-persist cannot strand a claim that no row backs.
func (p *Processor) Process(ctx context.Context, rec *models.EventRecord) (Outcome, error) {
	start := time.Now()
	p.processed.Add(1)

	claim, claimErr := p.coordinator.Claim(ctx, rec.EventID, p.owner, p.ttl)
	switch claim {
	case coordinator.ClaimLost:
		p.duplicates.Add(1)
		metrics.RecordProcess(OutcomeDuplicate.String(), time.Since(start))
		logging.Info().
			Str("event_id", rec.EventID).
			Msg("Duplicate skipped, event id already claimed")
		return OutcomeDuplicate, nil
	case coordinator.ClaimUnavailable:
		p.retryable.Add(1)
		metrics.RecordProcess(labelRetryable, time.Since(start))
		logging.Warn().
			Err(claimErr).
			Str("event_id", rec.EventID).
			Msg("Claim coordinator unavailable, event not persisted")
		return 0, NewRetryableError("claim coordinator unavailable", claimErr)
	}

	settleCtx := context.WithoutCancel(ctx)

	result, insertErr := p.store.Insert(settleCtx, rec)
	switch result {
	case store.Inserted:
		// Keep the claim: it expires by TTL and continues answering
		// near-term resends of this event id.
		p.persisted.Add(1)
		metrics.RecordProcess(OutcomePersisted.String(), time.Since(start))
		return OutcomePersisted, nil
	case store.Duplicate:
		p.duplicates.Add(1)
		metrics.RecordProcess(OutcomeDuplicate.String(), time.Since(start))
		logging.Info().
			Str("event_id", rec.EventID).
			Msg("Duplicate skipped, event already persisted")
		return OutcomeDuplicate, nil
	case store.TransientFailure:
		p.release(settleCtx, rec.EventID)
		p.retryable.Add(1)
		metrics.RecordProcess(labelRetryable, time.Since(start))
		logging.Warn().
			Err(insertErr).
			Str("event_id", rec.EventID).
			Msg("Transient store failure, claim released for retry")
		return 0, NewRetryableError("event store transient failure", insertErr)
	default:
		p.release(settleCtx, rec.EventID)
		p.permanent.Add(1)
		metrics.RecordProcess(labelPermanent, time.Since(start))
		logging.Error().
			Err(insertErr).
			Str("event_id", rec.EventID).
			Str("event_type", rec.EventType).
			Int("payload_bytes", len(rec.Payload)).
			Str("owner", p.owner).
			Msg("Fatal store failure, event rejected")
		return 0, NewPermanentError("event store rejected record", insertErr)
	}
}

// release frees the claim after a failed persist so a client retry is not
// parked behind the full TTL. NotOwner and Unavailable are tolerated: the
// claim has either already expired or will, and the cost is a delayed retry,
// never a lost or duplicated row.
func (p *Processor) release(ctx context.Context, eventID string) {
	result, err := p.coordinator.Release(ctx, eventID, p.owner)
	if result != coordinator.Released {
		logging.Warn().
			Err(err).
			Str("event_id", eventID).
			Str("result", result.String()).
			Msg("Claim release after failed persist did not confirm")
	}
}

// Stats returns current runtime counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed:  p.processed.Load(),
		Persisted:  p.persisted.Load(),
		Duplicates: p.duplicates.Load(),
		Retryable:  p.retryable.Load(),
		Permanent:  p.permanent.Load(),
	}
}
