package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPostgres creates a pool and verifies connectivity. The pool is shared by
// the preview store and the workspace adapter.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return pool, nil
}

const previewsSchema = `
CREATE TABLE IF NOT EXISTS distribution_previews (
	id            TEXT PRIMARY KEY,
	group_id      TEXT NOT NULL,
	status        TEXT NOT NULL,
	method        TEXT NOT NULL DEFAULT '',
	request       JSONB NOT NULL,
	assignments   JSONB NOT NULL DEFAULT '[]',
	stats         JSONB NOT NULL DEFAULT '{}',
	dropped_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	finalized_at  TIMESTAMPTZ,
	applied_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS distribution_previews_expires_at_idx ON distribution_previews (expires_at);
`

// EnsurePreviewSchema creates the previews table when it does not exist yet.
func EnsurePreviewSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, previewsSchema); err != nil {
		return fmt.Errorf("ensure previews schema: %w", err)
	}
	return nil
}
