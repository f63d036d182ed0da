// Package postgres provides the Postgres-backed custody store. Each commit
// writes its ledger rows and counter totals in one SQL transaction.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"herbtrace/pkg/domain"
)

var _ domain.Journal = (*Journal)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/herbtrace?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Timestamps are stored as RFC 3339 text and payloads as raw bytes so entries
// read back byte-for-byte and their hashes still verify.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger (
		height          BIGINT PRIMARY KEY,
		id              TEXT NOT NULL UNIQUE,
		kind            TEXT NOT NULL,
		batch_id        TEXT NOT NULL,
		payload         BYTEA NOT NULL,
		recorded_at     TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		hash            TEXT NOT NULL UNIQUE,
		previous_hash   TEXT NOT NULL,
		signature       TEXT NOT NULL,
		key_id          TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_batch_idx ON ledger (batch_id, height)`,
	`CREATE OR REPLACE FUNCTION herbtrace_ledger_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS ledger_append_only ON ledger`,
	`CREATE TRIGGER ledger_append_only BEFORE UPDATE OR DELETE ON ledger
		FOR EACH ROW EXECUTE FUNCTION herbtrace_ledger_append_only()`,
	`CREATE TABLE IF NOT EXISTS conservation_usage (
		species   TEXT NOT NULL,
		zone      TEXT NOT NULL,
		period    TEXT NOT NULL,
		bucket    TEXT NOT NULL,
		amount_kg DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (species, zone, period, bucket)
	)`,
}

// Journal persists ledger entries and counters to Postgres.
type Journal struct {
	db *sql.DB
}

// OpenJournal connects using dsn (falling back to a local default) and applies
// the schema.
func OpenJournal(ctx context.Context, dsn string) (*Journal, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Journal{db: db}, nil
}

// Load reads the ledger in height order and every counter.
func (j *Journal) Load(ctx context.Context) ([]domain.LedgerTransaction, []domain.UsageRecord, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT height, id, kind, batch_id, payload, recorded_at,
		organization_id, hash, previous_hash, signature, key_id FROM ledger ORDER BY height`)
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
		if err := rows.Scan(&height, &tx.ID, &kind, &tx.BatchID, &payload, &recordedAt,
			&tx.OrganizationID, &tx.Hash, &tx.PreviousHash, &tx.Signature, &tx.KeyID); err != nil {
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

	usageRows, err := j.db.QueryContext(ctx, `SELECT species, zone, period, bucket, amount_kg FROM conservation_usage`)
	if err != nil {
		return nil, nil, fmt.Errorf("select usage: %w", err)
	}
	defer func() { _ = usageRows.Close() }()
	var usage []domain.UsageRecord
	for usageRows.Next() {
		var (
			rec    domain.UsageRecord
			period string
		)
		if err := usageRows.Scan(&rec.Species, &rec.Zone, &period, &rec.Bucket, &rec.AmountKg); err != nil {
			return nil, nil, fmt.Errorf("scan usage row: %w", err)
		}
		rec.Period = domain.UsagePeriod(period)
		usage = append(usage, rec)
	}
	if err := usageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate usage: %w", err)
	}
	return entries, usage, nil
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
			organization_id, hash, previous_hash, signature, key_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			int64(entry.Height), entry.ID, string(entry.Kind), entry.BatchID, []byte(entry.Payload),
			entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.OrganizationID, entry.Hash,
			entry.PreviousHash, entry.Signature, entry.KeyID); err != nil {
			return fmt.Errorf("insert ledger height %d: %w", entry.Height, err)
		}
	}
	for _, rec := range batch.Usage {
		if _, err := tx.ExecContext(ctx, `INSERT INTO conservation_usage (species, zone, period, bucket, amount_kg)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (species, zone, period, bucket) DO UPDATE SET amount_kg = EXCLUDED.amount_kg`,
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
func (j *Journal) Driver() string { return "postgres" }

// Close closes the connection pool.
func (j *Journal) Close() error { return j.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (j *Journal) DB() *sql.DB { return j.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
