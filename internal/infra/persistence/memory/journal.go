package memory

import (
	"context"
	"sync"

	"herbtrace/pkg/domain"
)

// Journal keeps committed batches in process memory. It backs the memory
// driver and lets tests inspect what a store persisted.
type Journal struct {
	mu      sync.Mutex
	entries []domain.LedgerTransaction
	usage   map[domain.UsageKey]float64
	commits int
}

// NewJournal constructs an empty in-memory journal.
func NewJournal() *Journal {
	return &Journal{usage: make(map[domain.UsageKey]float64)}
}

// Load returns everything committed so far.
func (j *Journal) Load(_ context.Context) ([]domain.LedgerTransaction, []domain.UsageRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	entries := append([]domain.LedgerTransaction(nil), j.entries...)
	usage := make([]domain.UsageRecord, 0, len(j.usage))
	for key, amount := range j.usage {
		usage = append(usage, domain.UsageRecord{UsageKey: key, AmountKg: amount})
	}
	return entries, usage, nil
}

// Commit records the batch.
func (j *Journal) Commit(ctx context.Context, batch domain.CommitBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, batch.Transactions...)
	for _, rec := range batch.Usage {
		j.usage[rec.UsageKey] = rec.AmountKg
	}
	j.commits++
	return nil
}

// Commits reports how many batches were committed.
func (j *Journal) Commits() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commits
}

// Driver implements domain.Journal.
func (j *Journal) Driver() string { return "memory" }

// Close implements domain.Journal.
func (j *Journal) Close() error { return nil }
