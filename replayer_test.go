package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type staticConsumer struct {
	batch LedgerBatch
	err   error
}

func (c staticConsumer) Fetch(_ context.Context, _ FetchOptions) (LedgerBatch, error) {
	return c.batch, c.err
}

type fakeBatch struct {
	records   []LedgerRecord
	ackIDs    []uuid.UUID
	failures  []Failure
	dead      []Failure
	committed bool
	rolled    bool
	ackErr    error
	failErr   error
	deadErr   error
	commitErr error
	rollErr   error
}

func (b *fakeBatch) Records() []LedgerRecord {
	return b.records
}

func (b *fakeBatch) Ack(_ context.Context, ids []uuid.UUID) error {
	b.ackIDs = append(b.ackIDs, ids...)
	return b.ackErr
}

func (b *fakeBatch) Fail(_ context.Context, failures []Failure) error {
	b.failures = append(b.failures, failures...)
	return b.failErr
}

func (b *fakeBatch) Dead(_ context.Context, failures []Failure) error {
	b.dead = append(b.dead, failures...)
	return b.deadErr
}

func (b *fakeBatch) Commit() error {
	b.committed = true
	return b.commitErr
}

func (b *fakeBatch) Rollback() error {
	b.rolled = true
	return b.rollErr
}

type fakeBatchNoDead struct {
	records   []LedgerRecord
	failures  []Failure
	committed bool
}

func (b *fakeBatchNoDead) Records() []LedgerRecord                   { return b.records }
func (b *fakeBatchNoDead) Ack(context.Context, []uuid.UUID) error    { return nil }
func (b *fakeBatchNoDead) Commit() error                             { b.committed = true; return nil }
func (b *fakeBatchNoDead) Rollback() error                           { return nil }
func (b *fakeBatchNoDead) Fail(_ context.Context, f []Failure) error { b.failures = append(b.failures, f...); return nil }

type captureConsumer struct {
	opts FetchOptions
}

func (c *captureConsumer) Fetch(_ context.Context, opts FetchOptions) (LedgerBatch, error) {
	c.opts = opts
	return nil, ErrNoRecords
}

type cancelConsumer struct {
	started  chan struct{}
	allowErr chan struct{}
	err      error
	canceled int32
}

func (c *cancelConsumer) Fetch(ctx context.Context, _ FetchOptions) (LedgerBatch, error) {
	c.started <- struct{}{}
	select {
	case <-c.allowErr:
		return nil, c.err
	case <-ctx.Done():
		atomic.StoreInt32(&c.canceled, 1)
		return nil, ctx.Err()
	}
}

type pendingConsumer struct {
	count int
	calls int
}

func (c *pendingConsumer) Fetch(_ context.Context, _ FetchOptions) (LedgerBatch, error) {
	return nil, ErrNoRecords
}

func (c *pendingConsumer) PendingCount(_ context.Context) (int, error) {
	c.calls++
	return c.count, nil
}

type captureReplayMetrics struct {
	NopMetrics
	processed    int
	dead         int
	pending      int
	pendingCalls int
}

func (m *captureReplayMetrics) AddProcessed(count int) { m.processed += count }
func (m *captureReplayMetrics) AddDead(count int)      { m.dead += count }
func (m *captureReplayMetrics) SetPending(count int) {
	m.pending = count
	m.pendingCalls++
}

// replayLedger is an in-memory ledger with the store's attempt accounting:
// a failure bumps the attempt count and marks the record dead once it
// reaches maxAttempts. It ignores RetryBefore.
type replayLedger struct {
	mu          sync.Mutex
	rows        []*replayRow
	maxAttempts int
	fetches     int
}

type replayRow struct {
	record LedgerRecord
	status Status
}

func newReplayLedger(maxAttempts int, records ...LedgerRecord) *replayLedger {
	l := &replayLedger{maxAttempts: maxAttempts}
	for _, record := range records {
		l.rows = append(l.rows, &replayRow{record: record, status: StatusPending})
	}
	return l
}

func (l *replayLedger) Fetch(_ context.Context, opts FetchOptions) (LedgerBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fetches++
	var records []LedgerRecord
	for _, row := range l.rows {
		if row.status == StatusPending && len(records) < opts.BatchSize {
			records = append(records, row.record)
		}
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	return &replayLedgerBatch{ledger: l, records: records}, nil
}

func (l *replayLedger) row(id uuid.UUID) replayRow {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, row := range l.rows {
		if row.record.ID == id {
			return *row
		}
	}
	return replayRow{}
}

func (l *replayLedger) fetchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fetches
}

func (l *replayLedger) update(id uuid.UUID, fn func(*replayRow)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, row := range l.rows {
		if row.record.ID == id {
			fn(row)
		}
	}
}

type replayLedgerBatch struct {
	ledger  *replayLedger
	records []LedgerRecord
}

func (b *replayLedgerBatch) Records() []LedgerRecord { return b.records }
func (b *replayLedgerBatch) Commit() error           { return nil }
func (b *replayLedgerBatch) Rollback() error         { return nil }

func (b *replayLedgerBatch) Ack(_ context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		b.ledger.update(id, func(row *replayRow) { row.status = StatusReplayed })
	}
	return nil
}

func (b *replayLedgerBatch) Fail(_ context.Context, failures []Failure) error {
	for _, f := range failures {
		b.ledger.update(f.ID, func(row *replayRow) {
			row.record.Attempts++
			if row.record.Attempts >= b.ledger.maxAttempts {
				row.status = StatusDead
			}
		})
	}
	return nil
}

func (b *replayLedgerBatch) Dead(_ context.Context, failures []Failure) error {
	for _, f := range failures {
		b.ledger.update(f.ID, func(row *replayRow) {
			row.record.Attempts++
			row.status = StatusDead
		})
	}
	return nil
}

func okReplay(context.Context, LedgerRecord) error { return nil }

func TestReplayerProcessOnce(t *testing.T) {
	records := []LedgerRecord{{ID: testID(1)}, {ID: testID(2)}, {ID: testID(3)}}
	batch := &fakeBatch{records: records}
	metrics := &captureReplayMetrics{}

	handler := ReplayHandlerFunc(func(_ context.Context, record LedgerRecord) error {
		if record.ID == testID(2) {
			return errors.New("fail")
		}
		return nil
	})

	replayer := NewReplayer(staticConsumer{batch: batch}, handler, WithMetrics(metrics))
	ok, err := replayer.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !ok {
		t.Fatalf("expected batch to be processed")
	}
	if len(batch.ackIDs) != 2 {
		t.Fatalf("expected 2 ack ids, got %d", len(batch.ackIDs))
	}
	if len(batch.failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(batch.failures))
	}
	if !batch.committed {
		t.Fatalf("expected commit")
	}
	if metrics.processed != 2 {
		t.Fatalf("expected 2 processed, got %d", metrics.processed)
	}
}

func TestReplayerRepublishesThroughPublisher(t *testing.T) {
	sender := &recordingSender{}
	publisher := NewPublisher(sender)
	record := LedgerRecord{
		ID:          testID(1),
		Kind:        KindNewsCreated,
		EventKey:    "news:1",
		Route:       Route{Exchange: "exchange.news", RoutingKey: "news.created"},
		MessageID:   "0190c4a5-1b2c-7d3e-8f40-5a6b7c8d9e0f",
		ContentType: ContentTypeJSON,
		Payload:     []byte(`{"newsId":1}`),
	}
	batch := &fakeBatch{records: []LedgerRecord{record}}

	replayer := NewReplayer(staticConsumer{batch: batch}, publisher)
	if _, err := replayer.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}

	sent := sender.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sent))
	}
	if sent[0].MessageID != record.MessageID {
		t.Fatalf("expected original message id %s, got %s", record.MessageID, sent[0].MessageID)
	}
	if sent[0].Route != record.Route || string(sent[0].Body) != string(record.Payload) {
		t.Fatalf("unexpected message %+v", sent[0])
	}
	if len(batch.ackIDs) != 1 {
		t.Fatalf("expected ack, got %v", batch.ackIDs)
	}
}

func TestReplayerUnroutableIsDeadLettered(t *testing.T) {
	batch := &fakeBatch{records: []LedgerRecord{{ID: testID(1)}}}
	metrics := &captureReplayMetrics{}
	replayer := NewReplayer(staticConsumer{}, ReplayHandlerFunc(func(context.Context, LedgerRecord) error {
		return &PublishError{Kind: KindNewsCreated, Attempts: 1, Err: fmt.Errorf("amqp: %w", ErrUnroutable)}
	}), WithMetrics(metrics))

	if _, err := replayer.replayBatch(context.Background(), batch, nil); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.dead) != 1 || len(batch.failures) != 0 {
		t.Fatalf("expected dead-lettering, got dead=%d failures=%d", len(batch.dead), len(batch.failures))
	}
	if metrics.dead != 1 {
		t.Fatalf("expected dead metric 1, got %d", metrics.dead)
	}
}

func TestReplayerFailureHandlerCalled(t *testing.T) {
	batch := &fakeBatch{records: []LedgerRecord{{ID: testID(1)}}}
	var calls int
	replayer := NewReplayer(staticConsumer{}, ReplayHandlerFunc(func(context.Context, LedgerRecord) error {
		return errors.New("boom")
	}), WithErrorHandler(func(context.Context, LedgerRecord, error) {
		calls++
	}))

	if _, err := replayer.replayBatch(context.Background(), batch, nil); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected failure handler to be called once, got %d", calls)
	}
}

func TestReplayerProcessBatchAckErrorRollback(t *testing.T) {
	batch := &fakeBatch{records: []LedgerRecord{{ID: testID(1)}}, ackErr: errors.New("ack fail")}
	replayer := NewReplayer(staticConsumer{}, ReplayHandlerFunc(okReplay))

	_, err := replayer.replayBatch(context.Background(), batch, nil)
	if err == nil || !errors.Is(err, batch.ackErr) {
		t.Fatalf("expected ack error, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on ack error")
	}
	if batch.committed {
		t.Fatalf("expected no commit on ack error")
	}
}

func TestReplayerProcessBatchCommitErrorRollback(t *testing.T) {
	batch := &fakeBatch{records: []LedgerRecord{{ID: testID(1)}}, commitErr: errors.New("commit fail")}
	replayer := NewReplayer(staticConsumer{}, ReplayHandlerFunc(okReplay))

	_, err := replayer.replayBatch(context.Background(), batch, nil)
	if err == nil || !errors.Is(err, batch.commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on commit error")
	}
}

func TestReplayerProcessBatchDeadFallback(t *testing.T) {
	batch := &fakeBatchNoDead{records: []LedgerRecord{{ID: testID(1)}}}
	replayer := NewReplayer(staticConsumer{}, ReplayHandlerFunc(func(context.Context, LedgerRecord) error {
		return errors.New("boom")
	}), WithFailureClassifier(func(context.Context, LedgerRecord, error) FailureAction {
		return FailureDead
	}))

	if _, err := replayer.replayBatch(context.Background(), batch, nil); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.failures) != 1 {
		t.Fatalf("expected 1 failure fallback, got %d", len(batch.failures))
	}
	if !batch.committed {
		t.Fatalf("expected commit")
	}
}

func TestReplayerProcessBatchContextCanceled(t *testing.T) {
	batch := &fakeBatch{records: []LedgerRecord{{ID: testID(1)}}}
	replayer := NewReplayer(staticConsumer{}, ReplayHandlerFunc(func(ctx context.Context, _ LedgerRecord) error {
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := replayer.replayBatch(ctx, batch, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if !batch.rolled || batch.committed {
		t.Fatalf("expected rollback without commit on context cancel")
	}
}

func TestReplayerProcessBatchEmptyAndNil(t *testing.T) {
	replayer := NewReplayer(staticConsumer{}, ReplayHandlerFunc(okReplay))

	batch := &fakeBatch{}
	if _, err := replayer.replayBatch(context.Background(), batch, nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on empty batch")
	}
	if _, err := replayer.replayBatch(context.Background(), nil, nil); !errors.Is(err, ErrNilBatch) {
		t.Fatalf("expected ErrNilBatch, got %v", err)
	}
}

func TestReplayerDrainStopsWhenEmpty(t *testing.T) {
	replayer := NewReplayer(staticConsumer{err: ErrNoRecords}, ReplayHandlerFunc(okReplay))

	report, err := replayer.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Batches != 0 || report.Stalled {
		t.Fatalf("expected empty report, got %+v", report)
	}
}

func TestReplayerDrainLeavesFailingRecordPending(t *testing.T) {
	ledger := newReplayLedger(5, LedgerRecord{
		ID:        testID(1),
		Kind:      KindNewsCreated,
		EventKey:  "news:1",
		Route:     Route{Exchange: "exchange.news", RoutingKey: "news.created"},
		MessageID: "m-1",
		Payload:   []byte(`{"newsId":1}`),
	})
	var sends int32
	publisher := NewPublisher(
		SenderFunc(func(context.Context, Message) error {
			atomic.AddInt32(&sends, 1)
			return errors.New("connection refused")
		}),
		WithSleeper(func(context.Context, time.Duration) error { return nil }),
	)
	replayer := NewReplayer(ledger, publisher)

	report, err := replayer.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !report.Stalled || report.Batches != 1 || report.Failed != 1 {
		t.Fatalf("expected one stalled batch with one failure, got %+v", report)
	}
	row := ledger.row(testID(1))
	if row.status != StatusPending || row.record.Attempts != 1 {
		t.Fatalf("expected pending record with 1 attempt, got status=%d attempts=%d", row.status, row.record.Attempts)
	}
	if got := atomic.LoadInt32(&sends); got != defaultMaxAttempts {
		t.Fatalf("expected %d sends from a single publish, got %d", defaultMaxAttempts, got)
	}
}

func TestReplayerDrainReplaysEachRecordOnce(t *testing.T) {
	ledger := newReplayLedger(5,
		LedgerRecord{ID: testID(1)},
		LedgerRecord{ID: testID(2)},
		LedgerRecord{ID: testID(3)},
	)
	calls := make(map[uuid.UUID]int)
	replayer := NewReplayer(ledger, ReplayHandlerFunc(func(_ context.Context, record LedgerRecord) error {
		calls[record.ID]++
		if record.ID == testID(1) {
			return errors.New("broker down")
		}
		return nil
	}), WithBatchSize(2))

	report, err := replayer.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Replayed != 2 || report.Failed != 1 || !report.Stalled {
		t.Fatalf("unexpected report %+v", report)
	}
	if calls[testID(1)] != 1 {
		t.Fatalf("expected failing record replayed once, got %d", calls[testID(1)])
	}
	if got := ledger.row(testID(1)); got.status != StatusPending || got.record.Attempts != 1 {
		t.Fatalf("expected failing record pending with 1 attempt, got status=%d attempts=%d", got.status, got.record.Attempts)
	}
	for _, id := range []uuid.UUID{testID(2), testID(3)} {
		if ledger.row(id).status != StatusReplayed {
			t.Fatalf("expected %s replayed", id)
		}
	}
}

func TestReplayerFetchSetsRetryBefore(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	consumer := &captureConsumer{}
	replayer := NewReplayer(consumer, ReplayHandlerFunc(okReplay), WithClock(fixedClock{now: now}), WithRetryDelay(time.Minute))

	if _, err := replayer.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !consumer.opts.RetryBefore.Equal(now.Add(-time.Minute)) {
		t.Fatalf("expected RetryBefore %v, got %v", now.Add(-time.Minute), consumer.opts.RetryBefore)
	}
}

func TestReplayerRunWaitsAfterFailedBatch(t *testing.T) {
	ledger := newReplayLedger(5, LedgerRecord{ID: testID(1)})
	failed := make(chan struct{}, 1)
	replayer := NewReplayer(ledger, ReplayHandlerFunc(func(context.Context, LedgerRecord) error {
		select {
		case failed <- struct{}{}:
		default:
		}
		return errors.New("broker down")
	}), WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- replayer.Run(ctx)
	}()

	<-failed
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if fetches := ledger.fetchCount(); fetches != 1 {
		t.Fatalf("expected a single fetch before the poll wait, got %d", fetches)
	}
	if got := ledger.row(testID(1)); got.record.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.record.Attempts)
	}
}

func TestReplayerRunContextCancel(t *testing.T) {
	replayer := NewReplayer(staticConsumer{err: ErrNoRecords}, ReplayHandlerFunc(okReplay), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := replayer.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestReplayerRunCancelsOtherWorkers(t *testing.T) {
	consumer := &cancelConsumer{
		started:  make(chan struct{}, 2),
		allowErr: make(chan struct{}, 1),
		err:      errors.New("boom"),
	}
	replayer := NewReplayer(consumer, ReplayHandlerFunc(okReplay), WithWorkers(2))

	errCh := make(chan error, 1)
	go func() {
		errCh <- replayer.Run(context.Background())
	}()

	<-consumer.started
	<-consumer.started
	consumer.allowErr <- struct{}{}

	err := <-errCh
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
	if atomic.LoadInt32(&consumer.canceled) != 1 {
		t.Fatalf("expected other worker to observe cancellation")
	}
}

func TestReplayerWindowApplied(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	window := 2 * time.Hour
	consumer := &captureConsumer{}
	replayer := NewReplayer(consumer, ReplayHandlerFunc(okReplay), WithClock(fixedClock{now: now}), WithReplayWindow(window))

	if _, err := replayer.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	expected := now.Add(-window)
	if !consumer.opts.MinCreatedAt.Equal(expected) {
		t.Fatalf("expected MinCreatedAt %v, got %v", expected, consumer.opts.MinCreatedAt)
	}
}

func TestReplayerPendingCountEnabled(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &sequenceClock{times: []time.Time{now, now, now.Add(time.Second)}}
	consumer := &pendingConsumer{count: 42}
	metrics := &captureReplayMetrics{}
	replayer := NewReplayer(
		consumer,
		ReplayHandlerFunc(okReplay),
		WithClock(clock),
		WithMetrics(metrics),
		WithPendingInterval(time.Second),
	)

	replayer.maybeRecordPending(context.Background())
	replayer.maybeRecordPending(context.Background())
	replayer.maybeRecordPending(context.Background())

	if consumer.calls != 2 {
		t.Fatalf("expected 2 pending count calls, got %d", consumer.calls)
	}
	if metrics.pending != 42 {
		t.Fatalf("expected pending count 42, got %d", metrics.pending)
	}
}

func TestReplayerPendingCountDisabledByDefault(t *testing.T) {
	consumer := &pendingConsumer{count: 10}
	replayer := NewReplayer(consumer, ReplayHandlerFunc(okReplay))

	replayer.maybeRecordPending(context.Background())

	if consumer.calls != 0 {
		t.Fatalf("expected no pending count calls, got %d", consumer.calls)
	}
}
