// Package warehouse owns the embedded DuckDB file: opening it under a
// process lock, serializing writes through the writer mutex, and
// running bounded read queries for external callers.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/engine"
)

// DefaultQueryTimeout bounds ad-hoc queries from external callers.
const DefaultQueryTimeout = 30 * time.Second

// DB wraps the warehouse database file. The embedded database has no
// cross-process write concurrency, so Open takes a file lock next to
// the database; within the process all DDL and metadata writes funnel
// through the writer mutex while SELECT-only work shares connections.
type DB struct {
	sql  *sql.DB
	lock *flock.Flock
	log  *zap.Logger

	writeMu sync.Mutex
}

// Open opens (creating if needed) the warehouse at path. An empty path
// opens an in-memory database, used by tests.
func Open(path string, log *zap.Logger) (*DB, error) {
	d := &DB{log: log}

	if path != "" {
		d.lock = flock.New(path + ".lock")
		locked, err := d.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("lock warehouse: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("warehouse %s is locked by another process", path)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		if d.lock != nil {
			_ = d.lock.Unlock()
		}
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		if d.lock != nil {
			_ = d.lock.Unlock()
		}
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	d.sql = db
	return d, nil
}

// Close closes the database and releases the process lock.
func (d *DB) Close() error {
	err := d.sql.Close()
	if d.lock != nil {
		if uerr := d.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}

// Lock acquires the writer mutex directly. Callers that issue several
// dependent statements (the materializer's transactional strategies)
// hold it across the whole sequence.
func (d *DB) Lock() { d.writeMu.Lock() }

// Unlock releases the writer mutex.
func (d *DB) Unlock() { d.writeMu.Unlock() }

// ExecWrite runs one mutating statement under the writer mutex.
func (d *DB) ExecWrite(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return d.sql.ExecContext(ctx, query, args...)
}

// WriteTx runs fn inside a transaction held under the writer mutex.
// The transaction rolls back on error or panic.
func (d *DB) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Query runs a read query. Statement interruption rides on the context:
// cancelling it interrupts the running statement.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.sql.QueryContext(ctx, query, args...)
}

// Conn pins a single connection from the pool. Temp objects in the
// embedded database are connection-local, so callers that create them
// (the validator's temp views) must stay on one connection.
func (d *DB) Conn(ctx context.Context) (*sql.Conn, error) {
	return d.sql.Conn(ctx)
}

// QueryRow runs a single-row read query.
func (d *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.sql.QueryRowContext(ctx, query, args...)
}

// Result is the column/row payload returned to external callers.
type Result struct {
	Columns []string
	Rows    [][]interface{}
}

// RunQuery is the query surface consumed by CLI/HTTP collaborators.
// Read-only queries bypass the writer mutex; anything else serializes
// with it. A zero timeout applies DefaultQueryTimeout.
func (d *DB) RunQuery(ctx context.Context, query string, readOnly bool, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if !readOnly {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
	}

	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(ctx, err)
	}
	return res, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return engine.Wrap(engine.KindTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return engine.Wrap(engine.KindCancelled, err)
	default:
		return err
	}
}
