//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/velmie/dispatch"
	"github.com/velmie/dispatch/mysql"
)

const ledgerTable = "dispatch_failed_deliveries"

func TestStoreRecordFetchAckIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := newIntegrationDB(t, ctx)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	recordDeliveries(t, ctx, store, 3)

	batch1, err := store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 2})
	require.NoError(t, err)
	records := batch1.Records()
	require.Len(t, records, 2)
	require.Equal(t, dispatch.KindNewsCreated, records[0].Kind)
	require.Equal(t, "exchange.news", records[0].Route.Exchange)
	require.JSONEq(t, `{"newsId":0}`, string(records[0].Payload))
	require.NoError(t, batch1.Ack(ctx, collectIDs(records)))
	require.NoError(t, batch1.Commit())

	batch2, err := store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 10})
	require.NoError(t, err)
	ids2 := collectIDs(batch2.Records())
	require.Len(t, ids2, 1)
	require.NoError(t, batch2.Ack(ctx, ids2))
	require.NoError(t, batch2.Commit())

	_, err = store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1})
	require.ErrorIs(t, err, dispatch.ErrNoRecords)

	require.Equal(t, 3, countByStatus(t, ctx, db, dispatch.StatusReplayed))
}

func TestStoreSkipLockedIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := newIntegrationDB(t, ctx)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	recordDeliveries(t, ctx, store, 2)

	batch1, err := store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	batch2, err := store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1})
	require.NoError(t, err)

	require.NotEqual(t, batch1.Records()[0].ID, batch2.Records()[0].ID)

	require.NoError(t, batch1.Rollback())
	require.NoError(t, batch2.Rollback())
}

func TestStoreFailureAttemptsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := newIntegrationDB(t, ctx)

	store, err := mysql.NewStore(db, mysql.WithMaxAttempts(2))
	require.NoError(t, err)

	recordDeliveries(t, ctx, store, 1)

	for i := 1; i <= 2; i++ {
		batch, err := store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1})
		require.NoError(t, err)
		id := batch.Records()[0].ID
		require.NoError(t, batch.Fail(ctx, []dispatch.Failure{{ID: id, Err: errors.New("boom")}}))
		require.NoError(t, batch.Commit())

		status, attempts := fetchStatus(t, ctx, db, id)
		require.Equal(t, i, attempts)
		if i == 1 {
			require.Equal(t, dispatch.StatusPending, status)
		} else {
			require.Equal(t, dispatch.StatusDead, status)
		}
	}

	_, err = store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1})
	require.ErrorIs(t, err, dispatch.ErrNoRecords)
}

func TestStoreFailTruncatesLastErrorIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := newIntegrationDB(t, ctx)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	recordDeliveries(t, ctx, store, 1)

	batch, err := store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	id := batch.Records()[0].ID
	require.NoError(t, batch.Fail(ctx, []dispatch.Failure{{ID: id, Err: errors.New(strings.Repeat("a", 1100))}}))
	require.NoError(t, batch.Commit())

	var lastErr sql.NullString
	require.NoError(t, db.QueryRowContext(ctx, "SELECT last_error FROM "+ledgerTable+" WHERE id = ?", id[:]).Scan(&lastErr))
	require.True(t, lastErr.Valid)
	require.Len(t, lastErr.String, 1024)

	batch, err = store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	require.NoError(t, batch.Ack(ctx, []uuid.UUID{id}))
	require.NoError(t, batch.Commit())

	require.NoError(t, db.QueryRowContext(ctx, "SELECT last_error FROM "+ledgerTable+" WHERE id = ?", id[:]).Scan(&lastErr))
	require.False(t, lastErr.Valid)
}

func TestStoreDeadIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := newIntegrationDB(t, ctx)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	recordDeliveries(t, ctx, store, 1)

	batch, err := store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	deadBatch, ok := batch.(dispatch.DeadBatch)
	require.True(t, ok)

	id := batch.Records()[0].ID
	require.NoError(t, deadBatch.Dead(ctx, []dispatch.Failure{{ID: id, Err: errors.New("unroutable")}}))
	require.NoError(t, batch.Commit())

	status, attempts := fetchStatus(t, ctx, db, id)
	require.Equal(t, dispatch.StatusDead, status)
	require.Equal(t, 1, attempts)
}

func TestStoreRetryBackoffIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := newIntegrationDB(t, ctx)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	stamp := time.Date(2025, 3, 1, 12, 0, 0, 123000, time.UTC)
	require.NoError(t, store.Record(ctx, dispatch.FailedDelivery{
		Kind:      dispatch.KindNewsCreated,
		EventKey:  "news:1",
		Route:     dispatch.Route{Exchange: "exchange.news", RoutingKey: "news.created"},
		MessageID: uuid.NewString(),
		Payload:   json.RawMessage(`{"newsId":1}`),
		Timestamp: stamp,
	}))

	batch, err := store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1, RetryBefore: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	record := batch.Records()[0]
	require.True(t, stamp.Equal(record.EventTime))
	require.NoError(t, batch.Fail(ctx, []dispatch.Failure{{ID: record.ID, Err: errors.New("broker down")}}))
	require.NoError(t, batch.Commit())

	_, err = store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1, RetryBefore: time.Now().Add(-time.Minute)})
	require.ErrorIs(t, err, dispatch.ErrNoRecords)

	batch, err = store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1, RetryBefore: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, record.ID, batch.Records()[0].ID)
	require.Equal(t, 1, batch.Records()[0].Attempts)
	require.NoError(t, batch.Rollback())
}

func TestStorePendingCountIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	db := newIntegrationDB(t, ctx)

	store, err := mysql.NewStore(db)
	require.NoError(t, err)

	recordDeliveries(t, ctx, store, 2)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	batch, err := store.Fetch(ctx, dispatch.FetchOptions{BatchSize: 1})
	require.NoError(t, err)
	require.NoError(t, batch.Ack(ctx, collectIDs(batch.Records())))
	require.NoError(t, batch.Commit())

	count, err = store.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func newIntegrationDB(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()

	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})
	setupSchema(t, ctx, db)

	return db
}

func startMySQLContainer(t *testing.T, ctx context.Context) (testcontainers.Container, *sql.DB) {
	t.Helper()
	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "dispatch",
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return fmt.Sprintf("root:secret@tcp(%s:%s)/dispatch?parseTime=true&multiStatements=true", host, port.Port())
		}).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve port: %v", err)
	}

	dsn := fmt.Sprintf("root:secret@tcp(%s:%s)/dispatch?parseTime=true&multiStatements=true", host, mappedPort.Port())
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("open db: %v", err)
	}
	return container, db
}

func setupSchema(t *testing.T, ctx context.Context, db *sql.DB) {
	t.Helper()
	schema, err := mysql.Schema(ledgerTable)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, schema)
	require.NoError(t, err)

	newsSchema, err := mysql.NewsSchema("")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, newsSchema)
	require.NoError(t, err)
}

func recordDeliveries(t *testing.T, ctx context.Context, store *mysql.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := store.Record(ctx, dispatch.FailedDelivery{
			Kind:      dispatch.KindNewsCreated,
			EventKey:  fmt.Sprintf("news:%d", i),
			Route:     dispatch.Route{Exchange: "exchange.news", RoutingKey: "news.created"},
			MessageID: uuid.NewString(),
			Payload:   json.RawMessage(fmt.Sprintf(`{"newsId":%d}`, i)),
			Attempts:  3,
			LastError: "broker unavailable",
		})
		require.NoError(t, err)
	}
}

func collectIDs(records []dispatch.LedgerRecord) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}

func countByStatus(t *testing.T, ctx context.Context, db *sql.DB, status dispatch.Status) int {
	t.Helper()
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+ledgerTable+" WHERE status = ?", status).Scan(&count)
	require.NoError(t, err)
	return count
}

func fetchStatus(t *testing.T, ctx context.Context, db *sql.DB, id uuid.UUID) (dispatch.Status, int) {
	t.Helper()
	var status dispatch.Status
	var attempts int
	err := db.QueryRowContext(ctx, "SELECT status, attempt_count FROM "+ledgerTable+" WHERE id = ?", id[:]).Scan(&status, &attempts)
	require.NoError(t, err)
	return status, attempts
}
