package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/velmie/dispatch"
)

// Manager runs functions inside database transactions.
type Manager struct {
	db     *sql.DB
	opts   *sql.TxOptions
	logger dispatch.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTxOptions sets the isolation level and read-only flag of new transactions.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(m *Manager) {
		m.opts = opts
	}
}

// WithLogger sets the logger reporting callback panics.
func WithLogger(logger dispatch.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	m := &Manager{db: db}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = dispatch.NopLogger{}
	}

	return m, nil
}

// WithinTx runs fn in a transaction. The transaction commits when fn returns nil and
// rolls back when fn fails or panics; a panic is re-raised after the rollback.
// After-commit callbacks run once the commit succeeded, with a context that is no
// longer canceled together with ctx.
func (m *Manager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	sqlTx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return fmt.Errorf("txn: begin failed: %w", err)
	}

	tx := &Tx{tx: sqlTx}
	defer func() {
		if rec := recover(); rec != nil {
			tx.finish(false)
			_ = sqlTx.Rollback()
			panic(rec)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.finish(false)
		if rollbackErr := sqlTx.Rollback(); rollbackErr != nil {
			return errors.Join(err, fmt.Errorf("txn: rollback failed: %w", rollbackErr))
		}

		return err
	}

	if err := sqlTx.Commit(); err != nil {
		tx.finish(false)

		return fmt.Errorf("txn: commit failed: %w", err)
	}

	m.runCallbacks(context.WithoutCancel(ctx), tx.finish(true))

	return nil
}

func (m *Manager) runCallbacks(ctx context.Context, callbacks []func(ctx context.Context)) {
	for i, fn := range callbacks {
		m.runCallback(ctx, i, fn)
	}
}

func (m *Manager) runCallback(ctx context.Context, index int, fn func(ctx context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("after-commit callback panic", "index", index, "panic", rec)
		}
	}()

	fn(ctx)
}
