package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists send history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS send_history (
			id TEXT PRIMARY KEY,
			account_key TEXT NOT NULL,
			recipient TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_send_history_account_created ON send_history (account_key, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordSend(ctx context.Context, record SendRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO send_history (id, account_key, recipient, kind, status, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID,
		record.AccountKey,
		record.Recipient,
		record.Kind,
		record.Status,
		record.Detail,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record send: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSends(ctx context.Context, accountKey string, limit int) ([]SendRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, account_key, recipient, kind, status, detail, created_at
		 FROM send_history WHERE account_key=$1 ORDER BY created_at DESC LIMIT $2`,
		accountKey,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query send history: %w", err)
	}
	defer rows.Close()

	items := make([]SendRecord, 0, limit)
	for rows.Next() {
		var r SendRecord
		if err := rows.Scan(&r.ID, &r.AccountKey, &r.Recipient, &r.Kind, &r.Status, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
