package pool

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ice-blockchain/go-pgcluster"
)

var errTransactionFinished = pgcluster.ClientError{
	Code: pgcluster.ErrTransactionFinished,
	Msg:  "transaction is already finished",
}

// Transaction is an explicit transaction holding a pooled connection. The
// connection is released by Commit or Rollback.
type Transaction struct {
	conn     *Connection
	finished atomic.Bool
}

func begin(ctx context.Context, c *Connection, opts pgcluster.TxOptions,
	cmdCtl *pgcluster.CommandControl) (*Transaction, error) {
	if cmdCtl != nil {
		cc := *cmdCtl
		c.cmdCtl = &cc
	}

	if _, err := c.Exec(ctx, opts.BeginStatement()); err != nil {
		c.Release()
		return nil, err
	}
	c.pool.stats.transactions.Add(1)

	tx := &Transaction{conn: c}
	if timeout := c.commandControl().StatementTimeout; timeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())
		if _, err := c.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, err
		}
	}
	return tx, nil
}

// Exec executes a statement inside the transaction.
func (tx *Transaction) Exec(ctx context.Context, sql string,
	args ...interface{}) (string, error) {
	if tx.finished.Load() {
		return "", errTransactionFinished
	}
	return tx.conn.Exec(ctx, sql, args...)
}

// QueryRow executes a statement returning at most one row inside the
// transaction.
func (tx *Transaction) QueryRow(ctx context.Context, sql string,
	args ...interface{}) pgcluster.Row {
	if tx.finished.Load() {
		return errRow{errTransactionFinished}
	}
	return tx.conn.QueryRow(ctx, sql, args...)
}

// Commit commits the transaction and releases the connection.
func (tx *Transaction) Commit(ctx context.Context) error {
	if !tx.finished.CompareAndSwap(false, true) {
		return errTransactionFinished
	}
	defer tx.conn.Release()

	if _, err := tx.conn.Exec(ctx, "COMMIT"); err != nil {
		tx.conn.broken.Store(true)
		return err
	}
	tx.conn.pool.stats.commits.Add(1)
	return nil
}

// Rollback aborts the transaction and releases the connection. A
// connection that fails to roll back is not reused.
func (tx *Transaction) Rollback(ctx context.Context) error {
	if !tx.finished.CompareAndSwap(false, true) {
		return errTransactionFinished
	}
	defer tx.conn.Release()

	tx.conn.pool.stats.rollbacks.Add(1)
	if _, err := tx.conn.Exec(ctx, "ROLLBACK"); err != nil {
		tx.conn.broken.Store(true)
		return err
	}
	return nil
}

// NonTransaction runs a single statement outside of an explicit
// transaction. The connection is released after the statement.
type NonTransaction struct {
	conn     *Connection
	finished atomic.Bool
}

// Exec executes the statement and releases the connection.
func (nt *NonTransaction) Exec(ctx context.Context, sql string,
	args ...interface{}) (string, error) {
	if !nt.finished.CompareAndSwap(false, true) {
		return "", errTransactionFinished
	}
	defer nt.conn.Release()
	return nt.conn.Exec(ctx, sql, args...)
}

// QueryRow executes the statement. The connection is released by Scan.
func (nt *NonTransaction) QueryRow(ctx context.Context, sql string,
	args ...interface{}) pgcluster.Row {
	if !nt.finished.CompareAndSwap(false, true) {
		return errRow{errTransactionFinished}
	}
	row := nt.conn.QueryRow(ctx, sql, args...).(*accountedRow)
	row.after = nt.conn.Release
	return row
}

// Release returns the connection without running a statement.
func (nt *NonTransaction) Release() {
	if nt.finished.CompareAndSwap(false, true) {
		nt.conn.Release()
	}
}

type errRow struct {
	err error
}

func (r errRow) Scan(...interface{}) error {
	return r.err
}
