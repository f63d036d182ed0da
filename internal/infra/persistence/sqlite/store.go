package sqlite

import (
	"context"
	"fmt"

	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/internal/integrity"
	"herbtrace/pkg/domain"
)

var _ domain.CustodyStore = (*Store)(nil)

// Store is the in-memory custody store journaled to SQLite.
type Store struct {
	*memory.Store
	journal *Journal
}

// Open opens the database at path and replays it into a verified store.
func Open(ctx context.Context, path string, keys *integrity.Keyring, opts ...memory.Option) (*Store, error) {
	journal, err := OpenJournal(ctx, path)
	if err != nil {
		return nil, err
	}
	mem, err := memory.Open(ctx, keys, journal, opts...)
	if err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return &Store{Store: mem, journal: journal}, nil
}

// Journal exposes the SQLite journal.
func (s *Store) Journal() *Journal { return s.journal }
