package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransactionKind identifies the payload type of a ledger entry.
type TransactionKind string

// Ledger transaction kinds.
const (
	KindCollectionEvent TransactionKind = "collection_event"
	KindProcessingStep  TransactionKind = "processing_step"
	KindQualityTest     TransactionKind = "quality_test"
)

// Payload is implemented by every event that can be written to the ledger.
type Payload interface {
	LedgerKind() TransactionKind
	BatchRef() string
	OccurredAt() time.Time
}

// LedgerKind implements Payload.
func (e CollectionEvent) LedgerKind() TransactionKind { return KindCollectionEvent }

// BatchRef implements Payload.
func (e CollectionEvent) BatchRef() string { return e.BatchID }

// OccurredAt implements Payload.
func (e CollectionEvent) OccurredAt() time.Time { return e.Timestamp }

// LedgerKind implements Payload.
func (s ProcessingStep) LedgerKind() TransactionKind { return KindProcessingStep }

// BatchRef implements Payload.
func (s ProcessingStep) BatchRef() string { return s.BatchID }

// OccurredAt implements Payload.
func (s ProcessingStep) OccurredAt() time.Time { return s.Timestamp }

// LedgerKind implements Payload.
func (q QualityTest) LedgerKind() TransactionKind { return KindQualityTest }

// BatchRef implements Payload.
func (q QualityTest) BatchRef() string { return q.BatchID }

// OccurredAt implements Payload.
func (q QualityTest) OccurredAt() time.Time { return q.Timestamp }

// LedgerTransaction is one immutable, hash-chained ledger entry. Payload holds
// the canonical JSON encoding of the event; Hash covers every other field
// except Signature and KeyID.
type LedgerTransaction struct {
	Height         uint64          `json:"height"`
	ID             string          `json:"id"`
	Kind           TransactionKind `json:"kind"`
	BatchID        string          `json:"batch_id"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	OrganizationID string          `json:"organization_id"`
	Hash           string          `json:"hash"`
	PreviousHash   string          `json:"previous_hash"`
	Signature      string          `json:"signature"`
	KeyID          string          `json:"key_id"`
}

// EncodePayload returns the canonical payload encoding stored on the ledger.
// Timestamps are normalised to UTC so the encoding does not depend on the
// submitter's location.
func EncodePayload(p Payload) (json.RawMessage, error) {
	var v any
	switch e := p.(type) {
	case CollectionEvent:
		e.Timestamp = e.Timestamp.UTC()
		v = e
	case ProcessingStep:
		e.Timestamp = e.Timestamp.UTC()
		v = e
	case QualityTest:
		e.Timestamp = e.Timestamp.UTC()
		v = e
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.LedgerKind(), err)
	}
	return data, nil
}

// DecodePayload decodes the entry payload into its typed event.
func (t LedgerTransaction) DecodePayload() (Payload, error) {
	switch t.Kind {
	case KindCollectionEvent:
		var e CollectionEvent
		if err := json.Unmarshal(t.Payload, &e); err != nil {
			return nil, fmt.Errorf("decode collection event at height %d: %w", t.Height, err)
		}
		return e, nil
	case KindProcessingStep:
		var s ProcessingStep
		if err := json.Unmarshal(t.Payload, &s); err != nil {
			return nil, fmt.Errorf("decode processing step at height %d: %w", t.Height, err)
		}
		return s, nil
	case KindQualityTest:
		var q QualityTest
		if err := json.Unmarshal(t.Payload, &q); err != nil {
			return nil, fmt.Errorf("decode quality test at height %d: %w", t.Height, err)
		}
		return q, nil
	}
	return nil, fmt.Errorf("unknown transaction kind %q at height %d", t.Kind, t.Height)
}
