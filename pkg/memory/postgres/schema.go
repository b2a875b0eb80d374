// Package postgres provides a PostgreSQL-backed [memory.TurnStore].
//
// Turns live in a single conversation_turns table keyed by turn ID; a small
// conversations table tracks which conversation is current when no explicit
// conversation ID is configured. [Migrate] creates both idempotently.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.CurrentConversationID(ctx)
//	_ = store.AddConversationTurn(ctx, memory.ConversationTurn{ID: "t1", ConversationID: id, UserTranscript: "hi"})
//	history, _ := store.GetConversationHistory(ctx, id)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_created_at
    ON conversations (created_at);
`

const ddlConversationTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id                  TEXT         PRIMARY KEY,
    conversation_id     TEXT         NOT NULL DEFAULT '',
    seq                 BIGINT       NOT NULL DEFAULT 0,
    user_transcript     TEXT         NOT NULL DEFAULT '',
    assistant_response  TEXT         NOT NULL DEFAULT '',
    timestamp           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_conv_order
    ON conversation_turns (conversation_id, timestamp, seq);
`

// Migrate creates or ensures all required database tables exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlConversations, ddlConversationTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
