package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/dispatch"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupChunk      = 1000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "dispatch:ledger-cleanup:"
)

// CleanupOptions selects which ledger rows to delete.
type CleanupOptions struct {
	// ReplayedBefore removes replayed rows processed before this time (required).
	ReplayedBefore time.Time
	// DeadBefore removes dead rows last updated before this time. Zero keeps dead rows.
	DeadBefore time.Time
	// Limit caps the number of rows deleted per call (0 uses the default).
	Limit int
	// ChunkSize bounds a single DELETE so row locks are held briefly (0 uses the default).
	ChunkSize int
}

// CleanupResult reports how many rows were removed.
type CleanupResult struct {
	Replayed int64
	Dead     int64
}

// CleanupMaintainerConfig controls periodic ledger cleanup.
type CleanupMaintainerConfig struct {
	// Table is the ledger table name. Use schema.table for non-default schema.
	Table string
	// Retention keeps replayed rows for this long (required).
	Retention time.Duration
	// DeadRetention keeps dead rows for this long when IncludeDead is set.
	// Zero falls back to Retention.
	DeadRetention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// ChunkSize caps the rows removed by one statement (0 uses the default).
	ChunkSize int
	// IncludeDead removes dead rows in addition to replayed rows.
	IncludeDead bool
	// LockName is the advisory lock name. Defaults to dispatch:ledger-cleanup:<table>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock dispatch.Clock
	// Logger receives warnings about cleanup failures.
	Logger dispatch.Logger
}

// CleanupMaintainer periodically deletes old ledger rows. A MySQL advisory lock
// keeps concurrent instances from cleaning the same table at once.
type CleanupMaintainer struct {
	store *Store
	cfg   CleanupMaintainerConfig
}

// Cleanup removes replayed rows, then dead rows, in chunks until opts.Limit rows are gone
// or nothing old enough remains. Replayed rows go first: dead rows are what operators inspect.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	if opts.ReplayedBefore.IsZero() {
		return CleanupResult{}, ErrCleanupBeforeRequired
	}
	if opts.Limit < 0 || opts.ChunkSize < 0 {
		return CleanupResult{}, ErrCleanupLimitInvalid
	}
	if opts.Limit == 0 {
		opts.Limit = defaultCleanupLimit
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = defaultCleanupChunk
	}

	var res CleanupResult
	var err error
	remaining := opts.Limit

	res.Replayed, err = s.deleteChunks(ctx, s.queries.deleteReplayed, dispatch.StatusReplayed, opts.ReplayedBefore, remaining, opts.ChunkSize)
	if err != nil {
		return res, err
	}
	remaining -= int(res.Replayed)

	if !opts.DeadBefore.IsZero() && remaining > 0 {
		res.Dead, err = s.deleteChunks(ctx, s.queries.deleteDead, dispatch.StatusDead, opts.DeadBefore, remaining, opts.ChunkSize)
		if err != nil {
			return res, err
		}
	}

	return res, nil
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = dispatch.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = dispatch.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 || cfg.ChunkSize < 0 {
		return nil, ErrCleanupLimitInvalid
	}
	if cfg.DeadRetention < 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.DeadRetention == 0 {
		cfg.DeadRetention = cfg.Retention
	}

	store, err := NewStore(db, WithTable(cfg.Table), WithValidatePayload(false))
	if err != nil {
		return nil, err
	}
	cfg.Table = store.table
	if cfg.LockName == "" {
		cfg.LockName = defaultCleanupLockPrefix + cfg.Table
	}

	return &CleanupMaintainer{store: store, cfg: cfg}, nil
}

// Run periodically deletes old replayed and dead rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := m.Ensure(ctx); err != nil {
		m.cfg.Logger.Warn("ledger cleanup failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Ensure(ctx); err != nil {
				m.cfg.Logger.Warn("ledger cleanup failed", "err", err)
			}
		}
	}
}

// Ensure executes a single cleanup pass.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("dispatch mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return CleanupResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("ledger cleanup lock held by another session")

		return CleanupResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	now := m.cfg.Clock.Now()
	opts := CleanupOptions{
		ReplayedBefore: now.Add(-m.cfg.Retention),
		Limit:          m.cfg.Limit,
		ChunkSize:      m.cfg.ChunkSize,
	}
	if m.cfg.IncludeDead {
		opts.DeadBefore = now.Add(-m.cfg.DeadRetention)
	}

	res, err := m.store.Cleanup(ctx, opts)
	if err != nil {
		return res, err
	}
	if res.Replayed > 0 || res.Dead > 0 {
		m.cfg.Logger.Info("ledger cleanup removed rows",
			"table", m.cfg.Table,
			"replayed", res.Replayed,
			"dead", res.Dead,
			"replayed_before", opts.ReplayedBefore,
		)
	}

	return res, nil
}

// deleteChunks runs query until limit rows are removed or a chunk comes back short.
func (s *Store) deleteChunks(ctx context.Context, query string, status dispatch.Status, before time.Time, limit, chunk int) (int64, error) {
	var total int64
	for remaining := limit; remaining > 0; {
		n := min(chunk, remaining)
		res, err := s.db.ExecContext(ctx, query, status, before, n)
		if err != nil {
			return total, fmt.Errorf("dispatch mysql: cleanup delete failed: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("dispatch mysql: cleanup rows failed: %w", err)
		}
		total += affected
		remaining -= int(affected)
		if affected < int64(n) {
			break
		}
	}

	return total, nil
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("dispatch mysql: acquire cleanup lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("ledger cleanup release lock failed", "err", err)
	}
}
