// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// InsertResult classifies the outcome of persisting one event record.
//
// Duplicate is a verdict, not a failure: the unique constraint on event_id is
// the authoritative answer to "has this event been stored before", and a
// constraint violation means some instance already persisted the record.
// Transient covers failures where a retry of the same record may succeed;
// Fatal covers failures where it will not.
type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
	TransientFailure
	FatalFailure
)

// String returns the metric label for the result.
func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case TransientFailure:
		return "transient_failure"
	case FatalFailure:
		return "fatal_failure"
	default:
		return "unknown"
	}
}

// PostgreSQL SQLSTATE codes consulted during classification.
const (
	codeUniqueViolation     = "23505"
	codeSerializationFail   = "40001"
	codeDeadlockDetected    = "40P01"
	uniqueEventIDConstraint = "events_event_id_key"
)

// transientClasses are SQLSTATE class prefixes whose members indicate the
// statement may succeed if retried: connection exceptions (08), insufficient
// resources (53), and operator intervention such as shutdown or failover
// (57P).
var transientClasses = []string{"08", "53", "57P"}

// classifyInsertError maps an insert failure to an InsertResult.
//
// A unique violation is only a duplicate verdict when it names the event_id
// constraint (or no constraint at all, which some poolers strip); a violation
// of any other constraint would mean the schema changed underneath us and is
// surfaced as fatal. Errors that never reached the server, and server errors
// from the transient SQLSTATE classes, classify as transient.
func classifyInsertError(err error) InsertResult {
	if err == nil {
		return Inserted
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == codeUniqueViolation {
			if pgErr.ConstraintName == "" || pgErr.ConstraintName == uniqueEventIDConstraint {
				return Duplicate
			}
			return FatalFailure
		}
		if pgErr.Code == codeSerializationFail || pgErr.Code == codeDeadlockDetected {
			return TransientFailure
		}
		for _, class := range transientClasses {
			if strings.HasPrefix(pgErr.Code, class) {
				return TransientFailure
			}
		}
		return FatalFailure
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return TransientFailure
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientFailure
	}

	return FatalFailure
}
