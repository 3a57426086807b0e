// Package postgres provides a PostgreSQL-backed implementation of
// [memory.ConversationLog] using a pgx connection pool.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.OpenSession(ctx, sessionID, time.Now())
//	_ = store.Append(ctx, sessionID, entries...)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS conversation_sessions (
    id          TEXT         PRIMARY KEY,
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ
);`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    session_id  TEXT         NOT NULL REFERENCES conversation_sessions (id) ON DELETE CASCADE,
    seq         INTEGER      NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    recorded_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_recorded_at
    ON conversation_messages (recorded_at);`

// Migrate creates the tables used by [Store]. It is idempotent and therefore
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
