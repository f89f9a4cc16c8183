// EventGate - Distributed Event Ingestion and Deduplication Gateway
// Copyright 2026 M. Tarnawa (mtarnawa)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mtarnawa/eventgate

package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/mtarnawa/eventgate/internal/logging"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrate applies any pending schema migrations. Migrations are embedded in
// the binary, so a deployed gateway needs no migration files on disk; goose
// tracks applied versions in the goose_db_version table and is a no-op when
// the schema is current.
//
// Multiple instances may start concurrently against the same database. goose
// serializes the version check and apply per statement, and every migration
// here is idempotent (IF NOT EXISTS), so a lost race degrades to a no-op
// rather than a failed boot.
func (s *Store) Migrate(ctx context.Context) error {
	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	before, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	after, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if after != before {
		logging.Info().
			Int64("from_version", before).
			Int64("to_version", after).
			Msg("Applied event store migrations")
	} else {
		logging.Debug().
			Int64("version", after).
			Msg("Event store schema is current")
	}
	return nil
}
