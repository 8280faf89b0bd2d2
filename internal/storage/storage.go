// Package storage defines the operation journal used to persist and replay
// marketplace state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/marketplace/internal/marketplace"
)

// ErrClosed is returned by journals used after Close.
var ErrClosed = errors.New("journal closed")

// Entry is one applied operation.
type Entry struct {
	Seq       int64                 `json:"seq" db:"seq"`
	Operation marketplace.Operation `json:"operation"`
	AppliedAt time.Time             `json:"applied_at" db:"applied_at"`
}

// Journal persists applied operations in order.
type Journal interface {
	Record(ctx context.Context, op marketplace.Operation) error
	// List returns entries with Seq greater than after, oldest first.
	List(ctx context.Context, after int64) ([]Entry, error)
	Close() error
}

// Operations extracts the operations from entries. An operation without an
// applied time takes the entry's AppliedAt.
func Operations(entries []Entry) []marketplace.Operation {
	ops := make([]marketplace.Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.Operation
		if ops[i].At.IsZero() {
			ops[i].At = e.AppliedAt
		}
	}
	return ops
}
