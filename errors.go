package dispatch

import "errors"

var (
	// ErrNoUnitOfWork is returned when a notification is raised outside an active unit of work.
	ErrNoUnitOfWork = errors.New("dispatch: notification raised outside a unit of work")
	// ErrUnknownNotification is returned for notification types the translator cannot map.
	ErrUnknownNotification = errors.New("dispatch: unknown notification")
	// ErrUnknownKind is returned for event kinds outside the supported set.
	ErrUnknownKind = errors.New("dispatch: unknown event kind")
	// ErrUnresolvedReference signals an entity snapshot with a missing author or news reference.
	ErrUnresolvedReference = errors.New("dispatch: unresolved entity reference")
	// ErrInvalidEntity signals an entity snapshot without an identifier.
	ErrInvalidEntity = errors.New("dispatch: entity identifier is required")
	// ErrNoRoute is returned when the topology has no binding for an event kind.
	ErrNoRoute = errors.New("dispatch: no route for event kind")
	// ErrInvalidTopology is returned when a topology binding is incomplete.
	ErrInvalidTopology = errors.New("dispatch: invalid topology")
	// ErrPublishFailed marks a publish that exhausted its attempts or hit a permanent error.
	ErrPublishFailed = errors.New("dispatch: publish failed")
	// ErrUnroutable is returned when the broker returns a mandatory message as unroutable.
	ErrUnroutable = errors.New("dispatch: message is unroutable")
	// ErrNacked is returned when the broker negatively acknowledges a message.
	ErrNacked = errors.New("dispatch: message was nacked by broker")
	// ErrPermanent can be wrapped by senders to mark a failure as non-retryable.
	ErrPermanent = errors.New("dispatch: permanent delivery failure")
	// ErrCircuitOpen is returned while the sender circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("dispatch: circuit breaker is open")
	// ErrSubscriberPanic wraps a recovered subscriber panic.
	ErrSubscriberPanic = errors.New("dispatch: subscriber panic")
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("dispatch ledger batch size must be positive")
	// ErrNoRecords signals that the ledger has no pending records.
	ErrNoRecords = errors.New("dispatch ledger has no pending records")
	// ErrNilBatch indicates that a ledger consumer returned a nil batch.
	ErrNilBatch = errors.New("dispatch ledger batch is nil")
	// ErrEmptyBatch indicates that a ledger consumer returned a batch with no records.
	ErrEmptyBatch = errors.New("dispatch ledger batch has no records")
	// ErrKindRequired is returned when FailedDelivery.Kind is empty.
	ErrKindRequired = errors.New("dispatch ledger event kind is required")
	// ErrExchangeRequired is returned when FailedDelivery.Exchange is empty.
	ErrExchangeRequired = errors.New("dispatch ledger exchange is required")
	// ErrMessageIDRequired is returned when FailedDelivery.MessageID is empty.
	ErrMessageIDRequired = errors.New("dispatch ledger message id is required")
	// ErrPayloadRequired is returned when FailedDelivery.Payload is empty.
	ErrPayloadRequired = errors.New("dispatch ledger payload is required")
	// ErrInvalidPayload is returned when FailedDelivery.Payload is not valid JSON.
	ErrInvalidPayload = errors.New("dispatch ledger payload must be valid JSON")
	// ErrWorkerPanic indicates a replayer worker panic.
	ErrWorkerPanic = errors.New("dispatch replayer worker panic")
)
