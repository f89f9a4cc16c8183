// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

// Package store implements the authoritative event store over PostgreSQL.
//
// The events table carries a unique constraint on event_id, and every insert
// runs unconditionally against it: the store never pre-checks for existence,
// so its duplicate verdict holds even when the Redis claim layer is down or
// lying. Rows are insert-only; nothing in the gateway updates or deletes a
// persisted event.
package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver ("pgx")
	"github.com/jmoiron/sqlx"

	"github.com/mtarnawa/eventgate/internal/config"
	"github.com/mtarnawa/eventgate/internal/logging"
	"github.com/mtarnawa/eventgate/internal/metrics"
	"github.com/mtarnawa/eventgate/internal/models"
)

// insertEventQuery relies on the events_event_id_key unique constraint to
// reject duplicates. payload is bound as text, not []byte: pgx infers bytea
// for byte slices, which the JSONB column rejects.
const insertEventQuery = `
INSERT INTO events (event_id, event_type, payload)
VALUES ($1, $2, $3)`

// Store wraps the PostgreSQL connection pool and provides event persistence.
type Store struct {
	db  *sqlx.DB
	cfg *config.StoreConfig
}

// New opens the PostgreSQL connection pool. The pool is lazy: no connection
// is established until the first statement, so callers should Ping before
// reporting the store healthy.
func New(cfg *config.StoreConfig) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Store{db: db, cfg: cfg}, nil
}

// Insert persists one event record and classifies the outcome.
//
// Duplicate returns a nil error: the constraint violation is the designed
// signal that another instance (or an earlier frame) already stored this
// event_id. Transient and fatal failures return the classified result
// alongside the wrapped cause so the caller can decide whether the client
// may retry the frame.
//
// The call is bounded by the configured per-operation timeout regardless of
// the deadline on ctx.
func (s *Store) Insert(ctx context.Context, rec *models.EventRecord) (InsertResult, error) {
	start := time.Now()

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	_, err := s.db.ExecContext(opCtx, insertEventQuery, rec.EventID, rec.EventType, string(rec.Payload))
	result := classifyInsertError(err)
	metrics.RecordInsert(result.String(), time.Since(start))

	switch result {
	case Inserted:
		return Inserted, nil
	case Duplicate:
		logging.Debug().
			Str("event_id", rec.EventID).
			Msg("Insert rejected by unique constraint, event already persisted")
		return Duplicate, nil
	case TransientFailure:
		return TransientFailure, fmt.Errorf("transient insert failure for event %s: %w", rec.EventID, err)
	default:
		return FatalFailure, fmt.Errorf("fatal insert failure for event %s: %w", rec.EventID, err)
	}
}

// CountByEventID reports how many rows carry the given event_id. The unique
// constraint caps the answer at 1; the count form exists so operational
// tooling and integration tests can assert exactly-once persistence rather
// than mere presence.
func (s *Store) CountByEventID(ctx context.Context, eventID string) (int, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	var count int
	if err := s.db.GetContext(opCtx, &count, `SELECT COUNT(*) FROM events WHERE event_id = $1`, eventID); err != nil {
		return 0, fmt.Errorf("failed to count rows for event %s: %w", eventID, err)
	}
	return count, nil
}

// Ping checks if the store connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("event store connection is nil")
	}
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
