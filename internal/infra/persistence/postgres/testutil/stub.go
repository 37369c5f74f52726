// Package testutil provides a stub database/sql driver for postgres store tests.
// It understands the small statement subset the store issues: CREATE TABLE,
// TRUNCATE TABLE, INSERT INTO t (cols) with an optional ON CONFLICT (col)
// clause, UPDATE t SET c = $1 WHERE k = $2, DELETE FROM t WHERE k = $1 and
// SELECT cols FROM t with an optional WHERE k = $1. Writes made inside a
// transaction are staged and only applied on commit.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
)

// Row is a stored row keyed by lower-cased column name.
type Row map[string]any

// StubConn records statements and holds committed table contents.
type StubConn struct {
	Execs  []string
	Tables map[string][]Row

	FailPing   bool
	FailExec   bool
	FailBegin  bool
	FailCommit bool
	// FailTables fails inserts into and selects from the named tables.
	FailTables map[string]bool
	// Unique lists columns per table whose values must not repeat. A
	// violating insert fails with SQLSTATE 23505.
	Unique    map[string][]string
	RowsErr   error
	Commits   int
	Rollbacks int

	staged map[string][]Row
}

var stubSeq atomic.Int64

// NewStubDB registers a uniquely named driver and opens a sql.DB on it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]Row)}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	// One connection keeps staged transaction state unambiguous.
	db.SetMaxOpenConns(1)
	return db, conn
}

// Opener returns a function with the sql.Open signature that always yields db.
func Opener(db *sql.DB) func(string, string) (*sql.DB, error) {
	return func(string, string) (*sql.DB, error) { return db, nil }
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
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.staged = cloneTables(c.Tables)
	return &stubTx{conn: c}, nil
}

func (c *StubConn) target() map[string][]Row {
	if c.staged != nil {
		return c.staged
	}
	if c.Tables == nil {
		c.Tables = make(map[string][]Row)
	}
	return c.Tables
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, fmt.Errorf("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "TRUNCATE TABLE"):
		tables := c.target()
		for _, name := range splitColumns(strings.TrimSpace(query)[len("TRUNCATE TABLE"):]) {
			delete(tables, name)
		}
		return driver.RowsAffected(0), nil
	case strings.HasPrefix(upper, "INSERT INTO"):
		return c.insert(query, args)
	case strings.HasPrefix(upper, "UPDATE"):
		return c.update(query, args)
	case strings.HasPrefix(upper, "DELETE FROM"):
		return c.delete(query, args)
	}
	return driver.RowsAffected(0), nil
}

var (
	conflictPattern = regexp.MustCompile(`(?i)ON CONFLICT \((\w+)\) DO (NOTHING|UPDATE)`)
	updatePattern   = regexp.MustCompile(`(?i)^UPDATE (\w+) SET (\w+) = \$1 WHERE (\w+) = \$2`)
	deletePattern   = regexp.MustCompile(`(?i)^DELETE FROM (\w+) WHERE (\w+) = \$1`)
	wherePattern    = regexp.MustCompile(`(?i) WHERE (\w+) = \$1`)
)

func (c *StubConn) insert(query string, args []driver.NamedValue) (driver.Result, error) {
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
	row := make(Row, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	tables := c.target()
	existing := -1
	if m := conflictPattern.FindStringSubmatch(query); m != nil {
		existing = indexOf(tables[table], strings.ToLower(m[1]), row[strings.ToLower(m[1])])
		if existing >= 0 && strings.EqualFold(m[2], "NOTHING") {
			return driver.RowsAffected(0), nil
		}
	}
	for _, col := range c.Unique[table] {
		if at := indexOf(tables[table], col, row[col]); at >= 0 && at != existing {
			return nil, &pgconn.PgError{Code: "23505", TableName: table, ColumnName: col, Message: "duplicate key value violates unique constraint"}
		}
	}
	if existing >= 0 {
		rows := append([]Row(nil), tables[table]...)
		rows[existing] = row
		tables[table] = rows
		return driver.RowsAffected(1), nil
	}
	tables[table] = append(tables[table], row)
	return driver.RowsAffected(1), nil
}

func (c *StubConn) update(query string, args []driver.NamedValue) (driver.Result, error) {
	m := updatePattern.FindStringSubmatch(query)
	if m == nil || len(args) != 2 {
		return nil, fmt.Errorf("cannot parse update: %s", query)
	}
	table, col, key := strings.ToLower(m[1]), strings.ToLower(m[2]), strings.ToLower(m[3])
	tables := c.target()
	rows := append([]Row(nil), tables[table]...)
	var n int64
	for i, row := range rows {
		if sameValue(row[key], args[1].Value) {
			updated := make(Row, len(row))
			for k, v := range row {
				updated[k] = v
			}
			updated[col] = args[0].Value
			rows[i] = updated
			n++
		}
	}
	tables[table] = rows
	return driver.RowsAffected(n), nil
}

func (c *StubConn) delete(query string, args []driver.NamedValue) (driver.Result, error) {
	m := deletePattern.FindStringSubmatch(query)
	if m == nil || len(args) != 1 {
		return nil, fmt.Errorf("cannot parse delete: %s", query)
	}
	table, key := strings.ToLower(m[1]), strings.ToLower(m[2])
	tables := c.target()
	kept := make([]Row, 0, len(tables[table]))
	for _, row := range tables[table] {
		if !sameValue(row[key], args[0].Value) {
			kept = append(kept, row)
		}
	}
	n := int64(len(tables[table]) - len(kept))
	tables[table] = kept
	return driver.RowsAffected(n), nil
}

func indexOf(rows []Row, col string, value any) int {
	for i, row := range rows {
		if sameValue(row[col], value) {
			return i
		}
	}
	return -1
}

func sameValue(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	table, cols, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	if c.FailTables[table] {
		return nil, fmt.Errorf("query fail for %s", table)
	}
	stored := c.target()[table]
	where := wherePattern.FindStringSubmatch(query)
	if where != nil && len(args) != 1 {
		return nil, fmt.Errorf("expected one argument for %s", query)
	}
	values := make([][]driver.Value, 0, len(stored))
	for _, row := range stored {
		if where != nil && !sameValue(row[strings.ToLower(where[1])], args[0].Value) {
			continue
		}
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
		t.conn.staged = nil
		return fmt.Errorf("commit fail")
	}
	t.conn.Tables = t.conn.staged
	t.conn.staged = nil
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.staged = nil
	t.conn.Rollbacks++
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

func cloneTables(in map[string][]Row) map[string][]Row {
	out := make(map[string][]Row, len(in))
	for name, rows := range in {
		out[name] = append([]Row(nil), rows...)
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
	lower := strings.ToLower(strings.TrimSpace(query))
	if !strings.HasPrefix(lower, "select ") {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, " from ")
	if fromIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fields := strings.Fields(lower[fromIdx+len(" from "):])
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	return fields[0], splitColumns(lower[len("select "):fromIdx]), nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
