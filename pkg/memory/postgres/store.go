package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/pkg/memory"
	"github.com/MrWong99/parley/pkg/types"
)

var _ memory.ConversationLog = (*Store)(nil)

// Store is the PostgreSQL-backed conversation log. It holds a single
// [pgxpool.Pool]. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
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

	return &Store{pool: pool}, nil
}

// OpenSession implements [memory.ConversationLog].
func (s *Store) OpenSession(ctx context.Context, sessionID string, startedAt time.Time) error {
	const q = `
		INSERT INTO conversation_sessions (id, started_at)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, sessionID, startedAt); err != nil {
		return fmt.Errorf("postgres store: open session: %w", err)
	}
	return nil
}

// Append implements [memory.ConversationLog]. All entries are written in one
// batch; duplicates by (session, seq) are skipped.
func (s *Store) Append(ctx context.Context, sessionID string, entries ...memory.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	const q = `
		INSERT INTO conversation_messages (session_id, seq, role, text, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, seq) DO NOTHING`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(q, sessionID, e.Seq, string(e.Role), e.Text, e.Timestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// CloseSession implements [memory.ConversationLog].
func (s *Store) CloseSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	const q = `UPDATE conversation_sessions SET ended_at = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, sessionID, endedAt); err != nil {
		return fmt.Errorf("postgres store: close session: %w", err)
	}
	return nil
}

// Entries returns every stored entry of sessionID in sequence order. It is
// meant for operators and tests; the conversation engine never reads the log.
func (s *Store) Entries(ctx context.Context, sessionID string) ([]memory.Entry, error) {
	const q = `
		SELECT seq, role, text, recorded_at
		FROM   conversation_messages
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Entry, error) {
		var (
			e    memory.Entry
			role string
		)
		if err := row.Scan(&e.Seq, &role, &e.Text, &e.Timestamp); err != nil {
			return memory.Entry{}, err
		}
		e.Role = types.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return entries, nil
}

// Ping checks database connectivity. It is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
