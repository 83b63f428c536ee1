// Package postgres persists transcript events in PostgreSQL.
//
// Writes are idempotent: every event has a deterministic id, so delivering
// the same event twice stores it once. [Migrate] applies versioned schema
// migrations and is safe to call on every start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.PublishEvent(ctx, event)
//	events, _ := store.Events(ctx, "standup")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order. Never edit an applied migration; append
// a new one.
var migrations = []string{
	// 1: transcript events
	`
CREATE TABLE IF NOT EXISTS transcript_events (
    id           UUID         PRIMARY KEY,
    room         TEXT         NOT NULL,
    kind         TEXT         NOT NULL,
    ssrc         BIGINT       NOT NULL DEFAULT 0,
    speaker_name TEXT         NOT NULL DEFAULT '',
    message_id   UUID,
    text         TEXT         NOT NULL DEFAULT '',
    confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    language     TEXT         NOT NULL DEFAULT '',
    occurred_at  TIMESTAMPTZ  NOT NULL,
    inserted_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_events_room_time
    ON transcript_events (room, occurred_at);
`,
	// 2: full-text search over speech
	`
CREATE INDEX IF NOT EXISTS idx_transcript_events_fts
    ON transcript_events USING GIN (to_tsvector('simple', text))
    WHERE kind = 'SPEECH';
`,
}

const ddlMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version     INT          PRIMARY KEY,
    applied_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
)`

// Migrate brings the schema up to date. Each pending migration runs in its
// own transaction together with its version record, so a failed migration
// leaves no partial state behind.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlMigrations); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	for i, stmt := range migrations {
		version := i + 1
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, stmt)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres migrate: version %d: %w", version, err)
		}
	}
	return nil
}
