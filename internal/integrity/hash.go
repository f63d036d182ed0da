// Package integrity holds the hashing and signing primitives that make the
// custody ledger tamper-evident.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"herbtrace/pkg/domain"
)

// GenesisHash is the previous hash of the first ledger entry.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// CanonicalJSON re-encodes v with object keys sorted, no insignificant
// whitespace and numbers preserved verbatim.
func CanonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(raw); err != nil {
		return nil, fmt.Errorf("encode canonical: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

type envelope struct {
	Height     uint64          `json:"height"`
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	BatchID    string          `json:"batch_id"`
	RecordedAt string          `json:"recorded_at"`
	Data       json.RawMessage `json:"data"`
}

// EnvelopeBytes returns the canonical encoding of every hashed field of tx.
func EnvelopeBytes(tx domain.LedgerTransaction) ([]byte, error) {
	data := tx.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return CanonicalJSON(envelope{
		Height:     tx.Height,
		ID:         tx.ID,
		Kind:       string(tx.Kind),
		BatchID:    tx.BatchID,
		RecordedAt: tx.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:       data,
	})
}

// ChainHash computes SHA-256 over the length-framed envelope, previous hash
// and organization id, hex encoded.
func ChainHash(tx domain.LedgerTransaction, previousHash string) (string, error) {
	body, err := EnvelopeBytes(tx)
	if err != nil {
		return "", fmt.Errorf("canonical envelope at height %d: %w", tx.Height, err)
	}
	h := sha256.New()
	writeFramed(h, body)
	writeFramed(h, []byte(previousHash))
	writeFramed(h, []byte(tx.OrganizationID))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeFramed(w io.Writer, b []byte) {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(b)))
	_, _ = w.Write(size[:])
	_, _ = w.Write(b)
}
