package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB, *sqlx.DB and transactions.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS marketplace_journal (
		seq        BIGSERIAL PRIMARY KEY,
		kind       TEXT NOT NULL,
		caller     TEXT NOT NULL,
		payload    JSONB NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS marketplace_journal_caller_idx ON marketplace_journal (caller)`,
}

// Apply creates the journal schema. It is idempotent.
func Apply(ctx context.Context, db Execer) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
