// Package testutil provides an in-memory database/sql driver that stands in
// for Postgres in journal tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
)

var stubSeq atomic.Int64

// StubConn records statements and keeps inserted rows per table. Writes made
// inside a transaction are discarded on rollback or a failed commit.
type StubConn struct {
	Execs      []string
	Tables     map[string][]map[string]any
	Keys       map[string][]string
	FailPing   bool
	FailBegin  bool
	FailCommit bool
	FailTables map[string]bool
	RowsErr    error
	Commits    int

	snapshot map[string][]map[string]any
}

// NewStubDB registers a uniquely named driver backed by a fresh StubConn and
// opens a sql.DB on it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{
		Tables: make(map[string][]map[string]any),
		Keys:   make(map[string][]string),
	}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.snapshot = cloneTables(c.Tables)
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext. INSERT statements store a row,
// replacing any row with the same key when the statement carries ON CONFLICT.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Execs = append(c.Execs, query)
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "INSERT INTO") {
		return driver.RowsAffected(0), nil
	}
	table, cols, err := parseInsert(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables[table] {
		return nil, fmt.Errorf("exec fail for %s", table)
	}
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	row := make(map[string]any, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	keys := c.Keys[table]
	if len(keys) == 0 {
		keys = cols[:1]
	}
	upsert := strings.Contains(strings.ToUpper(query), "ON CONFLICT")
	rows := c.Tables[table]
	for i, existing := range rows {
		if !sameKey(existing, row, keys) {
			continue
		}
		if !upsert {
			return nil, fmt.Errorf("duplicate key in %s", table)
		}
		rows[i] = row
		return driver.RowsAffected(1), nil
	}
	c.Tables[table] = append(rows, row)
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext. Rows come back in insertion
// order.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	table, cols, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables[table] {
		return nil, fmt.Errorf("query fail for %s", table)
	}
	tableRows := c.Tables[table]
	values := make([][]driver.Value, 0, len(tableRows))
	for _, row := range tableRows {
		vals := make([]driver.Value, len(cols))
		for i, col := range cols {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: cols, rows: values, err: c.RowsErr}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		t.conn.Tables = t.conn.snapshot
		t.conn.snapshot = nil
		return fmt.Errorf("commit fail")
	}
	t.conn.Commits++
	t.conn.snapshot = nil
	return nil
}

func (t *stubTx) Rollback() error {
	if t.conn.snapshot != nil {
		t.conn.Tables = t.conn.snapshot
		t.conn.snapshot = nil
	}
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func sameKey(a, b map[string]any, keys []string) bool {
	for _, k := range keys {
		if fmt.Sprint(a[k]) != fmt.Sprint(b[k]) {
			return false
		}
	}
	return true
}

func cloneTables(in map[string][]map[string]any) map[string][]map[string]any {
	out := make(map[string][]map[string]any, len(in))
	for table, rows := range in {
		out[table] = append([]map[string]any(nil), rows...)
	}
	return out
}

func parseInsert(query string) (string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	return table, splitColumns(rest[open+1 : closeIdx]), nil
}

func parseSelect(query string) (string, []string, error) {
	normalized := strings.Join(strings.Fields(query), " ")
	lower := strings.ToLower(normalized)
	if !strings.HasPrefix(lower, "select ") {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, " from ")
	if fromIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	cols := normalized[len("select "):fromIdx]
	rest := strings.Fields(normalized[fromIdx+len(" from "):])
	if len(rest) == 0 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	return strings.ToLower(rest[0]), splitColumns(cols), nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
