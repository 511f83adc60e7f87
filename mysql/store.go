package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/velmie/dispatch"
)

const (
	maxErrorLen       = 1024
	ackFixedArgs      = 2
	placeholderGrowth = 2
)

// Executor allows recording within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements the failure ledger using polling + SKIP LOCKED.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
	table   string
}

var (
	_ dispatch.LedgerWriter   = (*Store)(nil)
	_ dispatch.LedgerConsumer = (*Store)(nil)
	_ dispatch.PendingCounter = (*Store)(nil)
)

// NewStore constructs a ledger store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table),
		table:   table,
	}, nil
}

// MustNewStore constructs a ledger store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// Record inserts a failed delivery as pending. It runs outside any mutation transaction.
func (s *Store) Record(ctx context.Context, delivery dispatch.FailedDelivery) error {
	_, err := s.RecordWith(ctx, s.db, delivery)

	return err
}

// RecordWith inserts a failed delivery using the provided executor.
func (s *Store) RecordWith(ctx context.Context, exec Executor, delivery dispatch.FailedDelivery) (uuid.UUID, error) {
	if exec == nil {
		return uuid.Nil, ErrExecutorRequired
	}
	if s.cfg.ValidatePayload {
		if err := delivery.Validate(); err != nil {
			return uuid.Nil, err
		}
	}

	id := delivery.ID
	if id == uuid.Nil {
		var err error
		id, err = s.cfg.Generator()
		if err != nil {
			return uuid.Nil, fmt.Errorf("dispatch mysql: generate id failed: %w", err)
		}
	}

	contentType := delivery.ContentType
	if contentType == "" {
		contentType = dispatch.ContentTypeJSON
	}

	_, err := exec.ExecContext(
		ctx,
		s.queries.insert,
		id[:],
		string(delivery.Kind),
		delivery.EventKey,
		delivery.Route.Exchange,
		delivery.Route.RoutingKey,
		delivery.MessageID,
		contentType,
		[]byte(delivery.Payload),
		eventTime(delivery.Timestamp),
		delivery.Attempts,
		truncateText(delivery.LastError),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("dispatch mysql: insert failed: %w", err)
	}

	return id, nil
}

// Fetch locks and returns a batch of pending records using READ COMMITTED + SKIP LOCKED.
func (s *Store) Fetch(ctx context.Context, opts dispatch.FetchOptions) (dispatch.LedgerBatch, error) {
	if opts.BatchSize <= 0 {
		return nil, dispatch.ErrInvalidBatchSize
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("dispatch mysql: begin tx failed: %w", err)
	}

	records, err := s.selectBatch(ctx, tx, opts)
	if err != nil {
		rollbackErr := tx.Rollback()

		return nil, errors.Join(err, rollbackErr)
	}
	if len(records) == 0 {
		_ = tx.Rollback()

		return nil, dispatch.ErrNoRecords
	}

	return &batch{tx: tx, store: s, records: records}, nil
}

func (s *Store) selectBatch(ctx context.Context, tx *sql.Tx, opts dispatch.FetchOptions) ([]dispatch.LedgerRecord, error) {
	query, args := s.queries.selectPending(opts)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispatch mysql: select failed: %w", err)
	}
	defer rows.Close()

	records := make([]dispatch.LedgerRecord, 0, opts.BatchSize)
	for rows.Next() {
		var (
			record    dispatch.LedgerRecord
			kind      string
			payload   []byte
			eventTS   sql.NullTime
			createdAt time.Time
		)

		if err := rows.Scan(
			&record.ID,
			&kind,
			&record.EventKey,
			&record.Route.Exchange,
			&record.Route.RoutingKey,
			&record.MessageID,
			&record.ContentType,
			&payload,
			&eventTS,
			&createdAt,
			&record.Attempts,
		); err != nil {
			return nil, fmt.Errorf("dispatch mysql: scan failed: %w", err)
		}
		record.Kind = dispatch.Kind(kind)
		record.Payload = payload
		if eventTS.Valid {
			record.EventTime = eventTS.Time
		}
		record.CreatedAt = createdAt

		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch mysql: rows failed: %w", err)
	}

	return records, nil
}

func (s *Store) ack(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := buildAckQuery(s.table, len(ids))
	args := make([]any, 0, len(ids)+ackFixedArgs)
	args = append(args, dispatch.StatusReplayed, s.cfg.Clock.Now())
	for _, id := range ids {
		args = append(args, id[:])
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("dispatch mysql: ack update failed: %w", err)
	}

	return nil
}

func (s *Store) fail(ctx context.Context, tx *sql.Tx, failures []dispatch.Failure) error {
	for _, failure := range failures {
		if _, err := tx.ExecContext(
			ctx,
			s.queries.updateFailureOne,
			truncateError(failure.Err),
			s.cfg.MaxAttempts,
			dispatch.StatusDead,
			dispatch.StatusPending,
			failure.ID[:],
		); err != nil {
			return fmt.Errorf("dispatch mysql: fail update failed: %w", err)
		}
	}

	return nil
}

func (s *Store) dead(ctx context.Context, tx *sql.Tx, failures []dispatch.Failure) error {
	for _, failure := range failures {
		if _, err := tx.ExecContext(
			ctx,
			s.queries.updateDeadOne,
			truncateError(failure.Err),
			dispatch.StatusDead,
			failure.ID[:],
		); err != nil {
			return fmt.Errorf("dispatch mysql: dead update failed: %w", err)
		}
	}

	return nil
}

// PendingCount returns the number of pending ledger rows.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countPending, dispatch.StatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("dispatch mysql: pending count failed: %w", err)
	}

	return count, nil
}

func buildAckQuery(table string, count int) string {
	return fmt.Sprintf("UPDATE %s SET status = ?, processed_at = ?, last_error = NULL WHERE id IN (%s)", table, makePlaceholders(count))
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}

func createdTS(t time.Time) int64 {
	return t.UTC().Unix()
}

func eventTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return t.UTC()
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	return truncateText(err.Error())
}

func truncateText(msg string) string {
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
