// Package ledger implements the append-only, hash-chained custody log.
package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"herbtrace/internal/integrity"
	"herbtrace/pkg/domain"
)

const btreeDegree = 32

var _ domain.LedgerReader = (*Chain)(nil)

type batchKey struct {
	batchID string
	height  uint64
}

func lessBatchKey(a, b batchKey) bool {
	if a.batchID != b.batchID {
		return a.batchID < b.batchID
	}
	return a.height < b.height
}

// Chain is the in-memory ledger. A Chain is not safe for concurrent mutation;
// callers serialize Append/Extend and may read concurrently between writes.
//
// Fork returns a copy that can be extended without affecting the receiver,
// which is how transactions stage appends before the store swaps them in.
type Chain struct {
	entries      []domain.LedgerTransaction
	byBatch      *btree.BTreeG[batchKey]
	certificates *btree.BTreeG[string]
	keys         *integrity.Keyring
	newID        func() string
}

// New constructs an empty chain that signs entries with keys.
func New(keys *integrity.Keyring) *Chain {
	return &Chain{
		byBatch:      btree.NewG(btreeDegree, lessBatchKey),
		certificates: btree.NewG(btreeDegree, func(a, b string) bool { return a < b }),
		keys:         keys,
		newID:        uuid.NewString,
	}
}

// Restore rebuilds a chain from persisted entries and verifies it end to end.
func Restore(keys *integrity.Keyring, entries []domain.LedgerTransaction) (*Chain, error) {
	c := New(keys)
	if err := c.Extend(entries...); err != nil {
		return nil, err
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return c, nil
}

// Fork returns a chain sharing the receiver's history. Appends to the fork are
// invisible to the receiver. Forks share the backing array beyond the
// receiver's length, so only one fork may be extended at a time and the
// receiver must not be appended to while a fork is live.
func (c *Chain) Fork() *Chain {
	return &Chain{
		entries:      c.entries,
		byBatch:      c.byBatch.Clone(),
		certificates: c.certificates.Clone(),
		keys:         c.keys,
		newID:        c.newID,
	}
}

// Height returns the number of entries, which is also the next block height.
func (c *Chain) Height() uint64 {
	return uint64(len(c.entries))
}

// LatestHash returns the hash of the newest entry or the genesis value.
func (c *Chain) LatestHash() string {
	if len(c.entries) == 0 {
		return integrity.GenesisHash
	}
	return c.entries[len(c.entries)-1].Hash
}

// Append hashes, signs and appends payload on behalf of organizationID.
func (c *Chain) Append(payload domain.Payload, organizationID string, recordedAt time.Time) (domain.LedgerTransaction, error) {
	tx, err := c.next(payload, organizationID, recordedAt)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	c.push(tx)
	return tx, nil
}

func (c *Chain) next(payload domain.Payload, organizationID string, recordedAt time.Time) (domain.LedgerTransaction, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return domain.LedgerTransaction{}, fmt.Errorf("organization id is required")
	}
	raw, err := domain.EncodePayload(payload)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	tx := domain.LedgerTransaction{
		Height:         c.Height(),
		ID:             c.newID(),
		Kind:           payload.LedgerKind(),
		BatchID:        payload.BatchRef(),
		Payload:        raw,
		Timestamp:      recordedAt.UTC(),
		OrganizationID: organizationID,
		PreviousHash:   c.LatestHash(),
	}
	hash, err := integrity.ChainHash(tx, tx.PreviousHash)
	if err != nil {
		return domain.LedgerTransaction{}, err
	}
	tx.Hash = hash
	sig, keyID, err := c.keys.Sign(integrity.OrganizationScope(organizationID), hash)
	if err != nil {
		return domain.LedgerTransaction{}, fmt.Errorf("sign entry %d: %w", tx.Height, err)
	}
	tx.Signature = sig
	tx.KeyID = keyID
	return tx, nil
}

// Extend appends already-built entries, checking that each one links to the
// current head. It does not recompute hashes; use Verify for that.
func (c *Chain) Extend(entries ...domain.LedgerTransaction) error {
	for _, tx := range entries {
		if tx.Height != c.Height() {
			return domain.IntegrityError{Height: tx.Height, Reason: fmt.Sprintf("expected height %d", c.Height())}
		}
		if tx.PreviousHash != c.LatestHash() {
			return domain.IntegrityError{Height: tx.Height, Reason: "previous hash does not match chain head"}
		}
		c.push(tx)
	}
	return nil
}

func (c *Chain) push(tx domain.LedgerTransaction) {
	c.entries = append(c.entries, tx)
	c.byBatch.ReplaceOrInsert(batchKey{batchID: tx.BatchID, height: tx.Height})
	if tx.Kind == domain.KindQualityTest {
		if fp := certificateOf(tx); fp != "" {
			c.certificates.ReplaceOrInsert(fp)
		}
	}
}

func certificateOf(tx domain.LedgerTransaction) string {
	payload, err := tx.DecodePayload()
	if err != nil {
		return ""
	}
	if q, ok := payload.(domain.QualityTest); ok {
		return q.CertificateFingerprint
	}
	return ""
}

// Get returns the entry at height.
func (c *Chain) Get(height uint64) (domain.LedgerTransaction, bool) {
	if height >= c.Height() {
		return domain.LedgerTransaction{}, false
	}
	return c.entries[height], true
}

// TransactionsForBatch returns the batch's entries in append order.
func (c *Chain) TransactionsForBatch(batchID string) []domain.LedgerTransaction {
	var out []domain.LedgerTransaction
	c.byBatch.AscendGreaterOrEqual(batchKey{batchID: batchID}, func(k batchKey) bool {
		if k.batchID != batchID {
			return false
		}
		out = append(out, c.entries[k.height])
		return true
	})
	return out
}

// Collection returns the accepted collection event that opened the batch.
func (c *Chain) Collection(batchID string) (domain.CollectionEvent, bool) {
	for _, tx := range c.TransactionsForBatch(batchID) {
		if tx.Kind != domain.KindCollectionEvent {
			continue
		}
		payload, err := tx.DecodePayload()
		if err != nil {
			return domain.CollectionEvent{}, false
		}
		event := payload.(domain.CollectionEvent)
		return event, event.Accepted
	}
	return domain.CollectionEvent{}, false
}

// HasCertificate reports whether a quality test with the fingerprint exists.
func (c *Chain) HasCertificate(fingerprint string) bool {
	_, ok := c.certificates.Get(fingerprint)
	return ok
}

// Batches returns every batch id with at least one entry, sorted.
func (c *Chain) Batches() []string {
	var out []string
	c.byBatch.Ascend(func(k batchKey) bool {
		if len(out) == 0 || out[len(out)-1] != k.batchID {
			out = append(out, k.batchID)
		}
		return true
	})
	return out
}

// Range returns up to limit entries starting at height from. A limit of zero
// or less returns everything from the starting height.
func (c *Chain) Range(from uint64, limit int) []domain.LedgerTransaction {
	n := c.Height()
	if from >= n {
		return nil
	}
	end := n
	if limit > 0 && from+uint64(limit) < n {
		end = from + uint64(limit)
	}
	out := make([]domain.LedgerTransaction, end-from)
	copy(out, c.entries[from:end])
	return out
}

// Verify recomputes every hash and signature from genesis. The first mismatch
// is reported as an IntegrityError.
func (c *Chain) Verify() error {
	prev := integrity.GenesisHash
	for i, tx := range c.entries {
		height := uint64(i)
		if tx.Height != height {
			return domain.IntegrityError{Height: height, Reason: fmt.Sprintf("sequence gap: found height %d", tx.Height)}
		}
		if tx.PreviousHash != prev {
			return domain.IntegrityError{Height: height, Reason: "previous hash mismatch"}
		}
		hash, err := integrity.ChainHash(tx, prev)
		if err != nil {
			return domain.IntegrityError{Height: height, Reason: err.Error()}
		}
		if hash != tx.Hash {
			return domain.IntegrityError{Height: height, Reason: "hash mismatch"}
		}
		if err := c.keys.Verify(integrity.OrganizationScope(tx.OrganizationID), tx.Hash, tx.Signature, tx.KeyID); err != nil {
			return domain.IntegrityError{Height: height, Reason: err.Error()}
		}
		prev = tx.Hash
	}
	return nil
}
