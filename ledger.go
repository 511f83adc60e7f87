package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a ledger record.
type Status int16

const (
	// StatusPending indicates the record is waiting for replay.
	StatusPending Status = 0
	// StatusReplayed indicates the record was republished successfully.
	StatusReplayed Status = 1
	// StatusDead indicates the record exceeded replay attempts or failed permanently.
	StatusDead Status = -1
)

// FailedDelivery describes a swallowed publish failure to be persisted.
type FailedDelivery struct {
	// ID is optional, if zero, the store generator assigns a UUID v7.
	ID          uuid.UUID
	Kind        Kind
	EventKey    string
	Route       Route
	MessageID   string
	ContentType string
	Payload     json.RawMessage
	// Timestamp is the event time sent with the failed publish.
	Timestamp time.Time
	// Attempts is the number of sends made by the failed publish.
	Attempts  int
	LastError string
}

// Validate checks required fields and JSON validity of JSON payloads.
func (d FailedDelivery) Validate() error {
	if d.Kind == "" {
		return ErrKindRequired
	}
	if !d.Kind.Valid() {
		return ErrUnknownKind
	}
	if d.Route.Exchange == "" {
		return ErrExchangeRequired
	}
	if d.MessageID == "" {
		return ErrMessageIDRequired
	}
	if len(d.Payload) == 0 {
		return ErrPayloadRequired
	}
	if (d.ContentType == "" || d.ContentType == ContentTypeJSON) && !json.Valid(d.Payload) {
		return ErrInvalidPayload
	}

	return nil
}

// FailedDeliveryFrom converts a publish error into a ledger entry.
func FailedDeliveryFrom(pe *PublishError) FailedDelivery {
	lastErr := ""
	if pe.Err != nil {
		lastErr = pe.Err.Error()
	}

	return FailedDelivery{
		Kind:        pe.Kind,
		EventKey:    pe.Key,
		Route:       pe.Route,
		MessageID:   pe.MessageID,
		ContentType: pe.ContentType,
		Payload:     json.RawMessage(pe.Payload),
		Timestamp:   pe.Timestamp,
		Attempts:    pe.Attempts,
		LastError:   lastErr,
	}
}

// LedgerRecord is a stored failed delivery fetched for replay.
type LedgerRecord struct {
	ID          uuid.UUID
	Kind        Kind
	EventKey    string
	Route       Route
	MessageID   string
	ContentType string
	Payload     json.RawMessage
	// EventTime is the event timestamp of the original publish, zero for
	// rows recorded without one.
	EventTime time.Time
	CreatedAt time.Time
	// Attempts counts failed replays.
	Attempts int
}

// Delivery rebuilds the publish request. The original message id and event
// time are kept so consumers can deduplicate a replay of a send that actually
// reached them.
func (r LedgerRecord) Delivery() Delivery {
	stamp := r.EventTime
	if stamp.IsZero() {
		stamp = r.CreatedAt
	}

	return Delivery{
		Kind:        r.Kind,
		Key:         r.EventKey,
		Route:       r.Route,
		MessageID:   r.MessageID,
		ContentType: r.ContentType,
		Payload:     r.Payload,
		Timestamp:   stamp,
	}
}

// Failure captures a replay error for a record.
type Failure struct {
	ID  uuid.UUID
	Err error
}

// FetchOptions controls how pending records are selected.
type FetchOptions struct {
	BatchSize    int
	MinCreatedAt time.Time
	// RetryBefore skips records whose last failed replay is later than this
	// instant. Records never replayed are always eligible.
	RetryBefore time.Time
}

// LedgerWriter persists failed deliveries.
type LedgerWriter interface {
	// Record stores a failed delivery as pending.
	Record(ctx context.Context, delivery FailedDelivery) error
}

// LedgerConsumer provides locked batches of ledger records.
type LedgerConsumer interface {
	// Fetch returns a batch of pending records locked for processing.
	Fetch(ctx context.Context, opts FetchOptions) (LedgerBatch, error)
}

// LedgerBatch represents a locked set of records fetched for replay.
type LedgerBatch interface {
	// Records returns the fetched records in this batch.
	Records() []LedgerRecord
	// Ack marks the provided records as replayed.
	Ack(ctx context.Context, ids []uuid.UUID) error
	// Fail records failures and updates retry state for each record.
	Fail(ctx context.Context, failures []Failure) error
	// Commit finalizes the batch transaction.
	Commit() error
	// Rollback releases locks without applying any changes.
	Rollback() error
}

// DeadBatch supports immediate dead-lettering of records.
type DeadBatch interface {
	// Dead marks the provided records as non retryable failures.
	Dead(ctx context.Context, failures []Failure) error
}

// PendingCounter provides a total count of pending records.
type PendingCounter interface {
	// PendingCount returns the current number of pending records.
	PendingCount(ctx context.Context) (int, error)
}

// NewLedgerSink returns an ErrorSink that records every publish failure found in
// the aggregated error. Translation failures have no payload and are only logged.
func NewLedgerSink(writer LedgerWriter, logger Logger) ErrorSink {
	if writer == nil {
		panic("dispatch: nil LedgerWriter")
	}
	if logger == nil {
		logger = NopLogger{}
	}

	return func(ctx context.Context, n Notification, err error) {
		for _, pe := range publishErrors(err) {
			delivery := FailedDeliveryFrom(pe)
			if recErr := writer.Record(ctx, delivery); recErr != nil {
				logger.Error("failed delivery not recorded",
					"type", delivery.Kind,
					"key", delivery.EventKey,
					"message_id", delivery.MessageID,
					"err", recErr,
				)

				continue
			}
			logger.Info("failed delivery recorded", "type", delivery.Kind, "key", n.Key(), "message_id", delivery.MessageID)
		}
	}
}

// publishErrors collects publish errors carrying a payload from an error tree.
func publishErrors(err error) []*PublishError {
	switch e := err.(type) {
	case nil:
		return nil
	case *PublishError:
		if len(e.Payload) == 0 {
			return nil
		}

		return []*PublishError{e}
	case interface{ Unwrap() []error }:
		var out []*PublishError
		for _, inner := range e.Unwrap() {
			out = append(out, publishErrors(inner)...)
		}

		return out
	case interface{ Unwrap() error }:
		return publishErrors(e.Unwrap())
	default:
		return nil
	}
}
