// Package memory provides the in-memory custody store. Durable backends embed
// it and supply a journal that persists each commit before it is applied.
package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"herbtrace/internal/conservation"
	"herbtrace/internal/integrity"
	"herbtrace/internal/ledger"
	"herbtrace/pkg/domain"
)

// Compile-time contract assertions.
var (
	_ domain.CustodyStore = (*Store)(nil)
	_ domain.Transaction  = (*transaction)(nil)
	_ domain.Journal      = (*Journal)(nil)
)

// DefaultMaxRetries bounds journal commit attempts.
const DefaultMaxRetries = 3

// Store serializes transactions over the ledger and conservation counters.
// Readers run concurrently under View; RunInTransaction is exclusive.
type Store struct {
	mu       sync.RWMutex
	chain    *ledger.Chain
	tracker  *conservation.Tracker
	journal  domain.Journal
	maxTries uint
	newBack  func() backoff.BackOff
	nowFn    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries sets how many times a journal commit is attempted.
func WithMaxRetries(n uint) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTries = n
		}
	}
}

// WithBackOff overrides the retry schedule between journal attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(s *Store) {
		if fn != nil {
			s.newBack = fn
		}
	}
}

// WithClock overrides the time source used to stamp ledger entries.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewStore constructs an empty store backed by an in-memory journal.
func NewStore(keys *integrity.Keyring, opts ...Option) *Store {
	return newStore(ledger.New(keys), conservation.NewTracker(), NewJournal(), opts)
}

// Open replays journal into a new store. The replayed chain is verified and
// the persisted counters are checked against the accepted collections.
func Open(ctx context.Context, keys *integrity.Keyring, journal domain.Journal, opts ...Option) (*Store, error) {
	if journal == nil {
		journal = NewJournal()
	}
	entries, usage, err := journal.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s journal: %w", journal.Driver(), err)
	}
	chain, err := ledger.Restore(keys, entries)
	if err != nil {
		return nil, fmt.Errorf("restore ledger: %w", err)
	}
	tracker := conservation.NewTracker()
	tracker.Apply(usage)
	if err := checkUsage(chain, tracker); err != nil {
		return nil, err
	}
	return newStore(chain, tracker, journal, opts), nil
}

func newStore(chain *ledger.Chain, tracker *conservation.Tracker, journal domain.Journal, opts []Option) *Store {
	s := &Store{
		chain:    chain,
		tracker:  tracker,
		journal:  journal,
		maxTries: DefaultMaxRetries,
		newBack: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunInTransaction executes fn against a staged copy of the state. When fn
// succeeds the staged entries and counters are persisted through the journal
// and only then made visible. Any failure leaves the store unchanged.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &transaction{
		chain: s.chain.Fork(),
		usage: s.tracker.Stage(),
		start: s.chain.Height(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return err
	}

	batch := domain.CommitBatch{
		Transactions: tx.chain.Range(tx.start, 0),
		Usage:        tx.usage.Records(),
	}
	if batch.Empty() {
		return nil
	}
	if err := s.persist(ctx, batch); err != nil {
		return err
	}
	s.chain = tx.chain
	s.tracker.Apply(batch.Usage)
	return nil
}

func (s *Store) persist(ctx context.Context, batch domain.CommitBatch) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.journal.Commit(ctx, batch)
	}, backoff.WithBackOff(s.newBack()), backoff.WithMaxTries(s.maxTries))
	if err != nil {
		return domain.StorageFault{Op: s.journal.Driver() + " commit", Err: err}
	}
	return nil
}

// View executes fn with shared read access to the committed state.
func (s *Store) View(ctx context.Context, fn func(domain.StoreView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(view{chain: s.chain, tracker: s.tracker})
}

// Driver reports the journal backing the store.
func (s *Store) Driver() string {
	return s.journal.Driver()
}

// Close releases the journal.
func (s *Store) Close() error {
	return s.journal.Close()
}

// NowFunc exposes the store clock.
func (s *Store) NowFunc() func() time.Time {
	return s.nowFn
}

type view struct {
	chain   *ledger.Chain
	tracker *conservation.Tracker
}

func (v view) Ledger() domain.LedgerReader { return v.chain }
func (v view) Usage() domain.UsageReader   { return v.tracker }

type transaction struct {
	chain *ledger.Chain
	usage *conservation.Staged
	start uint64
	now   time.Time
}

func (tx *transaction) Ledger() domain.LedgerReader { return tx.chain }
func (tx *transaction) Usage() domain.UsageReader   { return tx.usage }

// Append stages a signed ledger entry stamped with the transaction time.
func (tx *transaction) Append(payload domain.Payload, organizationID string) (domain.LedgerTransaction, error) {
	return tx.chain.Append(payload, organizationID, tx.now)
}

// CommitUsage stages a conservation counter increment.
func (tx *transaction) CommitUsage(species, zone string, amountKg float64, at time.Time) {
	tx.usage.Commit(species, zone, amountKg, at)
}

// checkUsage recomputes the counters from accepted collection events and
// compares them with the persisted totals.
func checkUsage(chain *ledger.Chain, persisted *conservation.Tracker) error {
	replayed := conservation.NewTracker()
	for _, tx := range chain.Range(0, 0) {
		if tx.Kind != domain.KindCollectionEvent {
			continue
		}
		payload, err := tx.DecodePayload()
		if err != nil {
			return domain.IntegrityError{Height: tx.Height, Reason: err.Error()}
		}
		event := payload.(domain.CollectionEvent)
		if event.Accepted {
			replayed.Commit(event.Species, event.CounterZone(), event.Quality.EstimatedYieldKg, event.Timestamp)
		}
	}
	want, got := replayed.Records(), persisted.Records()
	if len(want) != len(got) {
		return domain.IntegrityError{Height: chain.Height(), Reason: fmt.Sprintf("expected %d usage counters, found %d", len(want), len(got))}
	}
	for i := range want {
		if want[i].UsageKey != got[i].UsageKey || math.Abs(want[i].AmountKg-got[i].AmountKg) > 1e-6 {
			return domain.IntegrityError{Height: chain.Height(), Reason: fmt.Sprintf("usage counter %s/%s/%s/%s disagrees with ledger",
				want[i].Species, want[i].Zone, want[i].Period, want[i].Bucket)}
		}
	}
	return nil
}
