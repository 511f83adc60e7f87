package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReplayHandler republishes a single ledger record.
type ReplayHandler interface {
	// Replay sends the record again and returns an error on failure.
	Replay(ctx context.Context, record LedgerRecord) error
}

// ReplayHandlerFunc adapts a function to ReplayHandler.
type ReplayHandlerFunc func(ctx context.Context, record LedgerRecord) error

// Replay implements ReplayHandler.
func (fn ReplayHandlerFunc) Replay(ctx context.Context, record LedgerRecord) error {
	return fn(ctx, record)
}

// Replay implements ReplayHandler by delivering the stored payload under its original message id.
func (p *Publisher) Replay(ctx context.Context, record LedgerRecord) error {
	return p.Deliver(ctx, record.Delivery())
}

// ReplayFailureHandler is called when replaying a record returns an error.
type ReplayFailureHandler func(ctx context.Context, record LedgerRecord, err error)

// Replayer polls a LedgerConsumer and republishes each failed delivery.
//
// A record that fails a replay is not fetched again before RetryDelay has
// passed, and a worker waits a full poll interval after a batch that replayed
// nothing.
type Replayer struct {
	consumer LedgerConsumer
	handler  ReplayHandler
	cfg      ReplayerConfig

	pendingMu sync.Mutex
	pendingAt time.Time
}

// DrainReport summarizes a Drain pass.
type DrainReport struct {
	Batches  int
	Replayed int
	Failed   int
	Dead     int
	// Stalled is set when the pass ended on a batch that replayed nothing
	// while pending records may remain.
	Stalled bool
}

// replayResult sorts the records of one batch by the ledger update they need.
type replayResult struct {
	replayed []uuid.UUID
	retry    []Failure
	dead     []Failure
}

func (res replayResult) progressed() bool {
	return len(res.replayed) > 0
}

// NewReplayer constructs a Replayer with defaults and optional settings.
func NewReplayer(consumer LedgerConsumer, handler ReplayHandler, opts ...ReplayerOption) *Replayer {
	if consumer == nil {
		panic("dispatch: nil LedgerConsumer")
	}
	if handler == nil {
		panic("dispatch: nil ReplayHandler")
	}

	var cfg ReplayerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Replayer{
		consumer: consumer,
		handler:  handler,
		cfg:      cfg.withDefaults(),
	}
}

// Run polls with the configured number of workers until ctx is canceled or a
// worker fails. The first worker error cancels the others.
func (r *Replayer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		runErr   error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			runErr = err
		})
		cancel()
	}

	wg.Add(r.cfg.Workers)
	for worker := 0; worker < r.cfg.Workers; worker++ {
		go func(worker int) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.cfg.Logger.Error("replay worker panic", "worker", worker, "panic", rec)
					fail(fmt.Errorf("%w: %v", ErrWorkerPanic, rec))
				}
			}()

			err := r.poll(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			r.cfg.Logger.Error("replay worker error", "worker", worker, "err", err)
			fail(err)
		}(worker)
	}
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// ProcessOnce fetches and replays a single batch. It reports whether a batch was found.
func (r *Replayer) ProcessOnce(ctx context.Context) (bool, error) {
	batch, found, err := r.next(ctx)
	if err != nil || !found {
		return false, err
	}
	if _, err := r.replayBatch(ctx, batch, nil); err != nil {
		return false, err
	}

	return true, nil
}

// Drain replays batches until none is left. Each record is replayed at most
// once per pass, and the pass stops early on a batch that replayed nothing, so
// a single run never spends more than one ledger attempt per record.
func (r *Replayer) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	attempted := make(map[uuid.UUID]struct{})

	for {
		batch, found, err := r.next(ctx)
		if err != nil || !found {
			return report, err
		}

		res, err := r.replayBatch(ctx, batch, attempted)
		if err != nil {
			return report, err
		}
		report.Batches++
		report.Replayed += len(res.replayed)
		report.Failed += len(res.retry)
		report.Dead += len(res.dead)

		if !res.progressed() {
			report.Stalled = true
			r.cfg.Logger.Warn("replay pass stopped, batch replayed nothing",
				"batches", report.Batches,
				"failed", report.Failed,
				"dead", report.Dead,
			)

			return report, nil
		}
	}
}

// poll is the worker loop. It waits a poll interval whenever a fetch comes back
// empty or a batch replays nothing.
func (r *Replayer) poll(ctx context.Context) error {
	for ctx.Err() == nil {
		batch, found, err := r.next(ctx)
		if err != nil {
			return err
		}

		idle := !found
		if found {
			res, err := r.replayBatch(ctx, batch, nil)
			if err != nil {
				return err
			}
			idle = !res.progressed()
		}

		if idle {
			if err := SleepContext(ctx, r.cfg.PollInterval); err != nil {
				return err
			}
		}
	}

	return ctx.Err()
}

// next fetches the next batch. An empty ledger is reported as found == false
// and samples the pending gauge.
func (r *Replayer) next(ctx context.Context) (LedgerBatch, bool, error) {
	now := r.cfg.Clock.Now()
	opts := FetchOptions{
		BatchSize:   r.cfg.BatchSize,
		RetryBefore: now.Add(-r.cfg.RetryDelay),
	}
	if r.cfg.ReplayWindow > 0 {
		opts.MinCreatedAt = now.Add(-r.cfg.ReplayWindow)
	}

	batch, err := r.consumer.Fetch(ctx, opts)
	if errors.Is(err, ErrNoRecords) {
		r.maybeRecordPending(ctx)

		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return batch, true, nil
}

// replayBatch replays every record of batch and settles the ledger updates in
// the batch transaction. Records present in attempted are left untouched, and
// replayed ones are added to it.
func (r *Replayer) replayBatch(ctx context.Context, batch LedgerBatch, attempted map[uuid.UUID]struct{}) (replayResult, error) {
	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveBatchDuration(time.Since(start))
	}()

	var res replayResult
	if batch == nil {
		return res, ErrNilBatch
	}
	records := batch.Records()
	if len(records) == 0 {
		return res, errors.Join(ErrEmptyBatch, batch.Rollback())
	}

	for _, record := range records {
		if _, seen := attempted[record.ID]; seen {
			continue
		}
		if attempted != nil {
			attempted[record.ID] = struct{}{}
		}

		err := r.replayRecord(ctx, record)
		if err == nil {
			r.cfg.Logger.Info("failed delivery replayed", "id", record.ID, "type", record.Kind, "message_id", record.MessageID)
			res.replayed = append(res.replayed, record.ID)

			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, abort(batch, ctxErr)
		}

		if r.cfg.ErrorHandler != nil {
			r.cfg.ErrorHandler(ctx, record, err)
		}
		failure := Failure{ID: record.ID, Err: err}
		if r.cfg.FailureClassifier(ctx, record, err) == FailureDead {
			res.dead = append(res.dead, failure)
		} else {
			res.retry = append(res.retry, failure)
		}
	}

	if err := r.settle(ctx, batch, res); err != nil {
		return res, err
	}

	r.cfg.Metrics.AddProcessed(len(res.replayed))
	r.cfg.Metrics.AddErrors(len(res.retry) + len(res.dead))
	r.cfg.Metrics.AddRetries(len(res.retry))
	r.cfg.Metrics.AddDead(len(res.dead))

	return res, nil
}

func (r *Replayer) replayRecord(ctx context.Context, record LedgerRecord) error {
	if r.cfg.HandlerTimeout <= 0 {
		return r.handler.Replay(ctx, record)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.HandlerTimeout)
	defer cancel()

	return r.handler.Replay(ctx, record)
}

// settle writes the outcome of a batch and commits it. Any failed step rolls
// the whole batch back, leaving every record pending for the next fetch.
func (r *Replayer) settle(ctx context.Context, batch LedgerBatch, res replayResult) error {
	updates := []struct {
		step  string
		count int
		apply func() error
	}{
		{"ack", len(res.replayed), func() error { return batch.Ack(ctx, res.replayed) }},
		{"fail update", len(res.retry), func() error { return batch.Fail(ctx, res.retry) }},
		{"dead-letter update", len(res.dead), func() error { return r.deadLetter(ctx, batch, res.dead) }},
	}
	for _, u := range updates {
		if u.count == 0 {
			continue
		}
		if err := u.apply(); err != nil {
			return abort(batch, fmt.Errorf("ledger %s failed: %w", u.step, err))
		}
	}

	if err := batch.Commit(); err != nil {
		return abort(batch, fmt.Errorf("ledger commit failed: %w", err))
	}

	return nil
}

// deadLetter marks failures dead. Batches without DeadBatch support count them
// as ordinary failures, which dead-letters them once attempts run out.
func (r *Replayer) deadLetter(ctx context.Context, batch LedgerBatch, failures []Failure) error {
	if dead, ok := batch.(DeadBatch); ok {
		return dead.Dead(ctx, failures)
	}

	r.cfg.Logger.Warn("ledger batch does not support dead-lettering; falling back to retry", "count", len(failures))

	return batch.Fail(ctx, failures)
}

func abort(batch LedgerBatch, err error) error {
	if rollbackErr := batch.Rollback(); rollbackErr != nil {
		return errors.Join(err, fmt.Errorf("ledger rollback failed: %w", rollbackErr))
	}

	return err
}

// maybeRecordPending samples the pending gauge at most once per PendingInterval.
func (r *Replayer) maybeRecordPending(ctx context.Context) {
	counter, ok := r.consumer.(PendingCounter)
	if !ok || r.cfg.PendingInterval <= 0 || ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.pendingMu.Lock()
	due := r.pendingAt.IsZero() || !now.Before(r.pendingAt.Add(r.cfg.PendingInterval))
	if due {
		r.pendingAt = now
	}
	r.pendingMu.Unlock()
	if !due {
		return
	}

	count, err := counter.PendingCount(ctx)
	if err != nil {
		r.cfg.Logger.Warn("ledger pending count failed", "err", err)

		return
	}
	r.cfg.Metrics.SetPending(count)
}
