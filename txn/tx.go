package txn

import (
	"context"
	"database/sql"
	"sync"

	"github.com/velmie/dispatch"
)

// Tx is a unit of work bound to one database transaction.
type Tx struct {
	tx *sql.Tx

	mu        sync.Mutex
	done      bool
	callbacks []func(ctx context.Context)
}

var _ dispatch.UnitOfWork = (*Tx)(nil)

// ExecContext executes a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query inside the transaction.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext runs a single-row query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// AfterCommit queues fn to run after a successful commit.
func (t *Tx) AfterCommit(fn func(ctx context.Context)) error {
	if fn == nil {
		return ErrNilCallback
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrTxDone
	}
	t.callbacks = append(t.callbacks, fn)

	return nil
}

// finish closes the unit of work and returns the callbacks to run, if committed.
func (t *Tx) finish(committed bool) []func(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done = true
	callbacks := t.callbacks
	t.callbacks = nil
	if !committed {
		return nil
	}

	return callbacks
}

// Querier is the subset of *sql.DB and *Tx used by repositories.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*Tx)(nil)
	_ Querier = (*sql.DB)(nil)
)
