// Package otelmetrics records dispatch publish and replay telemetry with OpenTelemetry.
package otelmetrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/velmie/dispatch"
)

const (
	meterName = "github.com/velmie/dispatch"

	attrType    = attribute.Key("type")
	attrOutcome = attribute.Key("outcome")
)

// Recorder implements dispatch.Metrics and dispatch.ReplayMetrics.
type Recorder struct {
	published       metric.Int64Counter
	publishErrors   metric.Int64Counter
	publishDuration metric.Float64Histogram
	swallowed       metric.Int64Counter

	replayProcessed metric.Int64Counter
	replayErrors    metric.Int64Counter
	replayRetries   metric.Int64Counter
	replayDead      metric.Int64Counter
	replayPending   metric.Int64Gauge
	batchDuration   metric.Float64Histogram
}

var (
	_ dispatch.Metrics       = (*Recorder)(nil)
	_ dispatch.ReplayMetrics = (*Recorder)(nil)
)

// New creates the instruments on provider. A nil provider uses the global one.
func New(provider metric.MeterProvider) (*Recorder, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var (
		r   Recorder
		err error
	)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&r.published, "events.published", "Number of events delivered to the broker", "{event}"},
		{&r.publishErrors, "events.publishing.errors", "Number of failed publish attempts", "{attempt}"},
		{&r.swallowed, "events.dispatch.swallowed", "Number of subscriber failures absorbed by the bus", "{failure}"},
		{&r.replayProcessed, "events.replay.processed", "Number of ledger records replayed", "{record}"},
		{&r.replayErrors, "events.replay.errors", "Number of failed ledger replays", "{record}"},
		{&r.replayRetries, "events.replay.retries", "Number of ledger records scheduled for another replay", "{record}"},
		{&r.replayDead, "events.replay.dead", "Number of ledger records marked dead", "{record}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}
	}

	r.publishDuration, err = meter.Float64Histogram(
		"events.publishing.duration",
		metric.WithDescription("Publish latency including retries"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events.publishing.duration histogram: %w", err)
	}

	r.batchDuration, err = meter.Float64Histogram(
		"events.replay.batch.duration",
		metric.WithDescription("Time taken per replay batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events.replay.batch.duration histogram: %w", err)
	}

	r.replayPending, err = meter.Int64Gauge(
		"events.replay.pending",
		metric.WithDescription("Number of ledger records waiting for replay"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events.replay.pending gauge: %w", err)
	}

	return &r, nil
}

func kindAttr(kind dispatch.Kind) metric.MeasurementOption {
	return metric.WithAttributes(attrType.String(string(kind)))
}

// IncPublished implements dispatch.Metrics.
func (r *Recorder) IncPublished(kind dispatch.Kind) {
	r.published.Add(context.Background(), 1, kindAttr(kind))
}

// IncPublishErrors implements dispatch.Metrics.
func (r *Recorder) IncPublishErrors(kind dispatch.Kind) {
	r.publishErrors.Add(context.Background(), 1, kindAttr(kind))
}

// ObservePublishDuration implements dispatch.Metrics.
func (r *Recorder) ObservePublishDuration(kind dispatch.Kind, d time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	r.publishDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attrType.String(string(kind)), attrOutcome.String(outcome)))
}

// IncSwallowed implements dispatch.Metrics.
func (r *Recorder) IncSwallowed(kind dispatch.Kind) {
	r.swallowed.Add(context.Background(), 1, kindAttr(kind))
}

// ObserveBatchDuration implements dispatch.ReplayMetrics.
func (r *Recorder) ObserveBatchDuration(d time.Duration) {
	r.batchDuration.Record(context.Background(), d.Seconds())
}

// AddProcessed implements dispatch.ReplayMetrics.
func (r *Recorder) AddProcessed(count int) {
	r.replayProcessed.Add(context.Background(), int64(count))
}

// AddErrors implements dispatch.ReplayMetrics.
func (r *Recorder) AddErrors(count int) {
	r.replayErrors.Add(context.Background(), int64(count))
}

// AddRetries implements dispatch.ReplayMetrics.
func (r *Recorder) AddRetries(count int) {
	r.replayRetries.Add(context.Background(), int64(count))
}

// AddDead implements dispatch.ReplayMetrics.
func (r *Recorder) AddDead(count int) {
	r.replayDead.Add(context.Background(), int64(count))
}

// SetPending implements dispatch.ReplayMetrics.
func (r *Recorder) SetPending(count int) {
	r.replayPending.Record(context.Background(), int64(count))
}
