package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/trickstertwo/xcqrs"
)

// Tx is the dispatch transaction handle.
type Tx struct {
	tx *sql.Tx
}

var _ xcqrs.Tx = (*Tx)(nil)

// TxFrom unwraps the sqlite transaction behind a handle returned by
// xcqrs.ExecContext.Tx.
func TxFrom(tx xcqrs.Tx) (*Tx, bool) {
	t, ok := tx.(*Tx)
	return t, ok
}

// SQL exposes the underlying *sql.Tx.
func (t *Tx) SQL() *sql.Tx { return t.tx }

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *Tx) Commit(context.Context) error { return t.tx.Commit() }

// Rollback aborts the transaction. database/sql rolls a transaction back on
// its own when the context it was begun with is done; that counts as
// rolled back.
func (t *Tx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
