// Package postgres implements the operation journal on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/marketplace/internal/marketplace"
	"github.com/R3E-Network/marketplace/internal/storage"
)

// Store is a storage.Journal backed by the marketplace_journal table.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ storage.Journal = (*Store)(nil)

// New wraps an open database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return New(db), nil
}

// DB exposes the handle for migrations.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

type journalRow struct {
	Seq       int64     `db:"seq"`
	Kind      string    `db:"kind"`
	Caller    string    `db:"caller"`
	Payload   []byte    `db:"payload"`
	AppliedAt time.Time `db:"applied_at"`
}

func (s *Store) Record(ctx context.Context, op marketplace.Operation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	at := op.At
	if at.IsZero() {
		at = s.now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO marketplace_journal (kind, caller, payload, applied_at)
		VALUES ($1, $2, $3, $4)
	`, string(op.Kind), string(op.Caller), payload, at)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, after int64) ([]storage.Entry, error) {
	var rows []journalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT seq, kind, caller, payload, applied_at
		FROM marketplace_journal
		WHERE seq > $1
		ORDER BY seq
	`, after)
	if err != nil {
		return nil, fmt.Errorf("list journal: %w", err)
	}

	entries := make([]storage.Entry, 0, len(rows))
	for _, row := range rows {
		var op marketplace.Operation
		if err := json.Unmarshal(row.Payload, &op); err != nil {
			return nil, fmt.Errorf("decode journal entry %d: %w", row.Seq, err)
		}
		entries = append(entries, storage.Entry{Seq: row.Seq, Operation: op, AppliedAt: row.AppliedAt.UTC()})
	}
	return entries, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
