package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/duplex/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.TurnStore = (*Store)(nil)
	_ memory.Pinger    = (*Store)(nil)
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Option configures a [Store].
type Option func(*Store)

// WithConversationID pins the conversation returned by
// [Store.CurrentConversationID]. Without it the most recently created
// conversation is used, and one is created on first use.
func WithConversationID(id string) Option {
	return func(s *Store) { s.conversationID = id }
}

// Store is the PostgreSQL-backed turn store. All operations are safe for
// concurrent use.
type Store struct {
	pool           *pgxpool.Pool
	conversationID string
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, and runs [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{pool: pool}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [memory.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// AddConversationTurn implements [memory.TurnStore].
func (s *Store) AddConversationTurn(ctx context.Context, turn memory.ConversationTurn) error {
	const q = `
		INSERT INTO conversation_turns
		    (id, conversation_id, seq, user_transcript, assistant_response, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		turn.ID,
		turn.ConversationID,
		turn.Seq,
		turn.UserTranscript,
		turn.AssistantResponse,
		turn.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("postgres store: add turn %q: %w", turn.ID, memory.ErrDuplicateTurn)
		}
		return fmt.Errorf("postgres store: add turn: %w", err)
	}
	return nil
}

// GetConversationHistory implements [memory.TurnStore].
func (s *Store) GetConversationHistory(ctx context.Context, conversationID string) ([]memory.ConversationTurn, error) {
	const q = `
		SELECT id, conversation_id, seq, user_transcript, assistant_response, timestamp
		FROM   conversation_turns
		WHERE  conversation_id = $1
		ORDER  BY timestamp, seq`

	rows, err := s.pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get history: %w", err)
	}
	return collectTurns(rows)
}

// CurrentConversationID implements [memory.TurnStore].
func (s *Store) CurrentConversationID(ctx context.Context) (string, error) {
	if s.conversationID != "" {
		const ensure = `INSERT INTO conversations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`
		if _, err := s.pool.Exec(ctx, ensure, s.conversationID); err != nil {
			return "", fmt.Errorf("postgres store: ensure conversation: %w", err)
		}
		return s.conversationID, nil
	}

	const latest = `SELECT id FROM conversations ORDER BY created_at DESC LIMIT 1`
	var id string
	err := s.pool.QueryRow(ctx, latest).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return "", fmt.Errorf("postgres store: latest conversation: %w", err)
	}

	id = uuid.NewString()
	const create = `INSERT INTO conversations (id) VALUES ($1)`
	if _, err := s.pool.Exec(ctx, create, id); err != nil {
		return "", fmt.Errorf("postgres store: create conversation: %w", err)
	}
	return id, nil
}

// collectTurns scans pgx rows into a slice of ConversationTurn values.
func collectTurns(rows pgx.Rows) ([]memory.ConversationTurn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ConversationTurn, error) {
		var t memory.ConversationTurn
		if err := row.Scan(
			&t.ID,
			&t.ConversationID,
			&t.Seq,
			&t.UserTranscript,
			&t.AssistantResponse,
			&t.Timestamp,
		); err != nil {
			return memory.ConversationTurn{}, err
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []memory.ConversationTurn{}
	}
	return turns, nil
}
