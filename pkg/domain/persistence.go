package domain

import (
	"context"
	"time"
)

// UsagePeriod distinguishes daily and seasonal conservation counters.
type UsagePeriod string

// Conservation counter periods.
const (
	PeriodDay    UsagePeriod = "day"
	PeriodSeason UsagePeriod = "season"
)

// UsageKey identifies one conservation counter. Bucket is the UTC date
// (2006-01-02) for daily counters and the UTC year for seasonal ones.
type UsageKey struct {
	Species string      `json:"species"`
	Zone    string      `json:"zone"`
	Period  UsagePeriod `json:"period"`
	Bucket  string      `json:"bucket"`
}

// UsageRecord is the running total of a conservation counter.
type UsageRecord struct {
	UsageKey
	AmountKg float64 `json:"amount_kg"`
}

// CommitBatch is the unit a journal persists atomically: the ledger entries
// appended by one transaction and the resulting counter totals.
type CommitBatch struct {
	Transactions []LedgerTransaction
	Usage        []UsageRecord
}

// Empty reports whether the batch carries no changes.
func (b CommitBatch) Empty() bool {
	return len(b.Transactions) == 0 && len(b.Usage) == 0
}

// Journal is the durable side of the custody store. Commit must persist the
// whole batch or nothing.
type Journal interface {
	Load(ctx context.Context) ([]LedgerTransaction, []UsageRecord, error)
	Commit(ctx context.Context, batch CommitBatch) error
	Driver() string
	Close() error
}

// UsageReader exposes conservation totals.
type UsageReader interface {
	DailyUsage(species, zone string, at time.Time) float64
	SeasonUsage(species, zone string, at time.Time) float64
}

// LedgerReader provides read-only access to the ledger.
type LedgerReader interface {
	Height() uint64
	LatestHash() string
	Get(height uint64) (LedgerTransaction, bool)
	TransactionsForBatch(batchID string) []LedgerTransaction
	Collection(batchID string) (CollectionEvent, bool)
	HasCertificate(fingerprint string) bool
	Batches() []string
	Range(from uint64, limit int) []LedgerTransaction
	Verify() error
}

// StoreView is the read-only state visible to a store callback.
type StoreView interface {
	Ledger() LedgerReader
	Usage() UsageReader
}

// Transaction stages ledger appends and counter increments. Nothing staged is
// visible outside the transaction until the store commits it.
type Transaction interface {
	StoreView
	Append(payload Payload, organizationID string) (LedgerTransaction, error)
	CommitUsage(species, zone string, amountKg float64, at time.Time)
}

// CustodyStore serializes transactions over the ledger and conservation
// counters. A transaction commits entirely or not at all.
type CustodyStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(StoreView) error) error
	Driver() string
	Close() error
}
