package dispatch

import "time"

// Metrics captures publish-level telemetry. Implementations must be safe for concurrent use.
type Metrics interface {
	// IncPublished counts an event that was eventually delivered.
	IncPublished(kind Kind)
	// IncPublishErrors counts one failed send attempt.
	IncPublishErrors(kind Kind)
	// ObservePublishDuration records end-to-end publish latency including retries.
	ObservePublishDuration(kind Kind, duration time.Duration, ok bool)
	// IncSwallowed counts a subscriber failure absorbed by the bus.
	IncSwallowed(kind Kind)
}

// ReplayMetrics captures replayer-level telemetry.
type ReplayMetrics interface {
	// ObserveBatchDuration records the time to process a batch.
	ObserveBatchDuration(duration time.Duration)
	// AddProcessed increments the count of replayed records.
	AddProcessed(count int)
	// AddErrors increments the count of replay errors.
	AddErrors(count int)
	// AddRetries increments the count of retries.
	AddRetries(count int)
	// AddDead increments the count of dead-lettered records.
	AddDead(count int)
	// SetPending updates the current pending record count.
	SetPending(count int)
}

// NopMetrics is a no-op recorder for both Metrics and ReplayMetrics.
type NopMetrics struct{}

var (
	_ Metrics       = NopMetrics{}
	_ ReplayMetrics = NopMetrics{}
)

// IncPublished implements Metrics.
func (NopMetrics) IncPublished(Kind) {}

// IncPublishErrors implements Metrics.
func (NopMetrics) IncPublishErrors(Kind) {}

// ObservePublishDuration implements Metrics.
func (NopMetrics) ObservePublishDuration(Kind, time.Duration, bool) {}

// IncSwallowed implements Metrics.
func (NopMetrics) IncSwallowed(Kind) {}

// ObserveBatchDuration implements ReplayMetrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddProcessed implements ReplayMetrics.
func (NopMetrics) AddProcessed(int) {}

// AddErrors implements ReplayMetrics.
func (NopMetrics) AddErrors(int) {}

// AddRetries implements ReplayMetrics.
func (NopMetrics) AddRetries(int) {}

// AddDead implements ReplayMetrics.
func (NopMetrics) AddDead(int) {}

// SetPending implements ReplayMetrics.
func (NopMetrics) SetPending(int) {}
