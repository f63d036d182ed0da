// Package sqlite provides the SQLite-backed custody store. Ledger rows and
// conservation counters are written in one SQL transaction per commit.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"herbtrace/pkg/domain"
)

var _ domain.Journal = (*Journal)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS ledger (
	height          INTEGER PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	kind            TEXT NOT NULL,
	batch_id        TEXT NOT NULL,
	payload         BLOB NOT NULL,
	recorded_at     TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	hash            TEXT NOT NULL UNIQUE,
	previous_hash   TEXT NOT NULL,
	signature       TEXT NOT NULL,
	key_id          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_batch_idx ON ledger(batch_id, height);
CREATE TRIGGER IF NOT EXISTS ledger_no_update BEFORE UPDATE ON ledger
BEGIN
	SELECT RAISE(ABORT, 'ledger is append-only');
END;
CREATE TRIGGER IF NOT EXISTS ledger_no_delete BEFORE DELETE ON ledger
BEGIN
	SELECT RAISE(ABORT, 'ledger is append-only');
END;
CREATE TABLE IF NOT EXISTS conservation_usage (
	species   TEXT NOT NULL,
	zone      TEXT NOT NULL,
	period    TEXT NOT NULL,
	bucket    TEXT NOT NULL,
	amount_kg REAL NOT NULL,
	PRIMARY KEY (species, zone, period, bucket)
);`

// Journal persists ledger entries and counters to a SQLite database file.
type Journal struct {
	db   *sql.DB
	path string
}

// OpenJournal opens (creating if needed) the database at path and applies the
// schema.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		path = "herbtrace.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	dsn := path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Journal{db: db, path: path}, nil
}

// Load reads every ledger row in height order and every counter.
func (j *Journal) Load(ctx context.Context) ([]domain.LedgerTransaction, []domain.UsageRecord, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT height, id, kind, batch_id, payload, recorded_at, organization_id,
		hash, previous_hash, signature, key_id FROM ledger ORDER BY height`)
	if err != nil {
		return nil, nil, fmt.Errorf("select ledger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []domain.LedgerTransaction
	for rows.Next() {
		var (
			tx         domain.LedgerTransaction
			height     int64
			kind       string
			payload    []byte
			recordedAt string
		)
		if err := rows.Scan(&height, &tx.ID, &kind, &tx.BatchID, &payload, &recordedAt, &tx.OrganizationID,
			&tx.Hash, &tx.PreviousHash, &tx.Signature, &tx.KeyID); err != nil {
			return nil, nil, fmt.Errorf("scan ledger row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, nil, fmt.Errorf("parse recorded_at at height %d: %w", height, err)
		}
		tx.Height = uint64(height)
		tx.Kind = domain.TransactionKind(kind)
		tx.Payload = payload
		tx.Timestamp = ts.UTC()
		entries = append(entries, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate ledger: %w", err)
	}

	usage, err := j.loadUsage(ctx)
	if err != nil {
		return nil, nil, err
	}
	return entries, usage, nil
}

func (j *Journal) loadUsage(ctx context.Context) ([]domain.UsageRecord, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT species, zone, period, bucket, amount_kg FROM conservation_usage`)
	if err != nil {
		return nil, fmt.Errorf("select usage: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.UsageRecord
	for rows.Next() {
		var (
			rec    domain.UsageRecord
			period string
		)
		if err := rows.Scan(&rec.Species, &rec.Zone, &period, &rec.Bucket, &rec.AmountKg); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		rec.Period = domain.UsagePeriod(period)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return out, nil
}

// Commit writes the batch in a single SQL transaction.
func (j *Journal) Commit(ctx context.Context, batch domain.CommitBatch) (retErr error) {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, entry := range batch.Transactions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO ledger (height, id, kind, batch_id, payload, recorded_at,
			organization_id, hash, previous_hash, signature, key_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(entry.Height), entry.ID, string(entry.Kind), entry.BatchID, []byte(entry.Payload),
			entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.OrganizationID, entry.Hash,
			entry.PreviousHash, entry.Signature, entry.KeyID); err != nil {
			return fmt.Errorf("insert ledger height %d: %w", entry.Height, err)
		}
	}
	for _, rec := range batch.Usage {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conservation_usage (species, zone, period, bucket, amount_kg)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (species, zone, period, bucket) DO UPDATE SET amount_kg = excluded.amount_kg`,
			rec.Species, rec.Zone, string(rec.Period), rec.Bucket, rec.AmountKg); err != nil {
			return fmt.Errorf("upsert usage: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Driver implements domain.Journal.
func (j *Journal) Driver() string { return "sqlite" }

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (j *Journal) DB() *sql.DB { return j.db }

// Path returns the configured database path.
func (j *Journal) Path() string { return j.path }
