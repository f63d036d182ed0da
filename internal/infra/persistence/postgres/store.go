package postgres

import (
	"context"
	"fmt"

	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/internal/integrity"
	"herbtrace/pkg/domain"
)

var _ domain.CustodyStore = (*Store)(nil)

// Store is the in-memory custody store journaled to Postgres.
type Store struct {
	*memory.Store
	journal *Journal
}

// Open connects to dsn and replays the journal into a verified store.
func Open(ctx context.Context, dsn string, keys *integrity.Keyring, opts ...memory.Option) (*Store, error) {
	journal, err := OpenJournal(ctx, dsn)
	if err != nil {
		return nil, err
	}
	mem, err := memory.Open(ctx, keys, journal, opts...)
	if err != nil {
		_ = journal.Close()
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return &Store{Store: mem, journal: journal}, nil
}

// Journal exposes the Postgres journal.
func (s *Store) Journal() *Journal { return s.journal }
