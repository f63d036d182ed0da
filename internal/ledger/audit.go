package ledger

import (
	"encoding/json"
	"strconv"
	"time"

	"herbtrace/pkg/domain"
)

// AuditRecord is the flattened export form of a ledger entry.
type AuditRecord struct {
	Sequence       uint64          `json:"sequence"`
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	BatchID        string          `json:"batch_id"`
	RecordedAt     string          `json:"recorded_at"`
	OrganizationID string          `json:"organization_id"`
	Payload        json.RawMessage `json:"payload"`
	Hash           string          `json:"hash"`
	PreviousHash   string          `json:"previous_hash"`
	Signature      string          `json:"signature"`
	KeyID          string          `json:"key_id"`
}

// AuditColumns is the CSV header matching AuditRecord.Row.
var AuditColumns = []string{
	"sequence", "id", "kind", "batch_id", "recorded_at", "organization_id",
	"payload", "hash", "previous_hash", "signature", "key_id",
}

// AuditRecordOf flattens tx.
func AuditRecordOf(tx domain.LedgerTransaction) AuditRecord {
	return AuditRecord{
		Sequence:       tx.Height,
		ID:             tx.ID,
		Kind:           string(tx.Kind),
		BatchID:        tx.BatchID,
		RecordedAt:     tx.Timestamp.UTC().Format(time.RFC3339Nano),
		OrganizationID: tx.OrganizationID,
		Payload:        tx.Payload,
		Hash:           tx.Hash,
		PreviousHash:   tx.PreviousHash,
		Signature:      tx.Signature,
		KeyID:          tx.KeyID,
	}
}

// Row returns the record's CSV cells in AuditColumns order.
func (r AuditRecord) Row() []string {
	return []string{
		strconv.FormatUint(r.Sequence, 10),
		r.ID,
		r.Kind,
		r.BatchID,
		r.RecordedAt,
		r.OrganizationID,
		string(r.Payload),
		r.Hash,
		r.PreviousHash,
		r.Signature,
		r.KeyID,
	}
}
