// Package memory provides an in-process journal. Entries do not survive a
// restart; it backs tests and the default development configuration.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/marketplace/internal/marketplace"
	"github.com/R3E-Network/marketplace/internal/storage"
)

// Store is an in-memory storage.Journal.
type Store struct {
	mu      sync.RWMutex
	entries []storage.Entry
	nextSeq int64
	closed  bool
}

var _ storage.Journal = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{nextSeq: 1}
}

func (s *Store) Record(_ context.Context, op marketplace.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	at := op.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.entries = append(s.entries, storage.Entry{
		Seq:       s.nextSeq,
		Operation: op,
		AppliedAt: at,
	})
	s.nextSeq++
	return nil
}

func (s *Store) List(_ context.Context, after int64) ([]storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	var out []storage.Entry
	for _, e := range s.entries {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
