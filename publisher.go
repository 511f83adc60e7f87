package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/velmie/dispatch"

// Delivery is an encoded event ready to be sent.
type Delivery struct {
	Kind Kind
	// Key identifies the source entity in logs.
	Key   string
	Route Route
	// MessageID is generated when empty.
	MessageID   string
	ContentType string
	Payload     []byte
	Timestamp   time.Time
}

// PublishError reports a publish that exhausted its attempts or failed permanently.
// It matches ErrPublishFailed and the last send error with errors.Is.
type PublishError struct {
	Kind        Kind
	Key         string
	Route       Route
	MessageID   string
	ContentType string
	Payload     []byte
	Timestamp   time.Time
	Attempts    int
	Err         error
}

// Error implements error.
func (e *PublishError) Error() string {
	return fmt.Sprintf("dispatch: publish %s (%s) to %s failed after %d attempt(s): %v",
		e.Kind, e.Key, e.Route, e.Attempts, e.Err)
}

// Unwrap exposes ErrPublishFailed and the cause.
func (e *PublishError) Unwrap() []error {
	return []error{ErrPublishFailed, e.Err}
}

// Publisher sends events to the broker with bounded retry. It is safe for concurrent use.
type Publisher struct {
	sender Sender
	cfg    PublisherConfig
	tracer trace.Tracer
}

// NewPublisher constructs a Publisher with defaults and optional settings.
func NewPublisher(sender Sender, opts ...PublisherOption) *Publisher {
	if sender == nil {
		panic("dispatch: nil Sender")
	}

	var cfg PublisherConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Publisher{
		sender: sender,
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(tracerName),
	}
}

// Publish encodes ev and delivers it to route under a fresh message id.
func (p *Publisher) Publish(ctx context.Context, ev Event, route Route) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrUnknownKind)
	}

	body, err := p.cfg.Codec.Encode(ev)
	if err != nil {
		p.cfg.Metrics.IncPublishErrors(ev.Kind())
		p.cfg.Metrics.ObservePublishDuration(ev.Kind(), 0, false)
		p.cfg.Logger.Error("event encode failed", "type", ev.Kind(), "key", ev.Key(), "err", err)

		return &PublishError{Kind: ev.Kind(), Key: ev.Key(), Route: route, Err: err}
	}

	return p.Deliver(ctx, Delivery{
		Kind:        ev.Kind(),
		Key:         ev.Key(),
		Route:       route,
		ContentType: p.cfg.Codec.ContentType(),
		Payload:     body,
		Timestamp:   ev.Timestamp(),
	})
}

// Deliver sends an encoded payload, retrying transient failures.
// Retries for one call are sequential and share the message id.
func (p *Publisher) Deliver(ctx context.Context, d Delivery) error {
	if d.MessageID == "" {
		d.MessageID = nextID(p.cfg.IDGenerator)
	}
	if d.ContentType == "" {
		d.ContentType = p.cfg.Codec.ContentType()
	}

	start := time.Now()
	if p.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Deadline)
		defer cancel()
	}

	ctx, span := p.tracer.Start(ctx, "publish "+d.Kind.String(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", d.Route.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", d.Route.RoutingKey),
			attribute.String("messaging.message.id", d.MessageID),
			attribute.String("dispatch.event.type", d.Kind.String()),
		),
	)
	defer span.End()

	attempts, err := p.attempt(ctx, d)
	span.SetAttributes(attribute.Int("dispatch.attempts", attempts))
	if err == nil {
		p.cfg.Metrics.IncPublished(d.Kind)
		p.cfg.Metrics.ObservePublishDuration(d.Kind, time.Since(start), true)
		span.SetStatus(codes.Ok, "")

		return nil
	}

	p.cfg.Metrics.ObservePublishDuration(d.Kind, time.Since(start), false)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.cfg.Logger.Error("event publish failed",
		"type", d.Kind,
		"key", d.Key,
		"message_id", d.MessageID,
		"exchange", d.Route.Exchange,
		"routing_key", d.Route.RoutingKey,
		"attempts", attempts,
		"err", err,
	)

	return &PublishError{
		Kind:        d.Kind,
		Key:         d.Key,
		Route:       d.Route,
		MessageID:   d.MessageID,
		ContentType: d.ContentType,
		Payload:     d.Payload,
		Timestamp:   d.Timestamp,
		Attempts:    attempts,
		Err:         err,
	}
}

func (p *Publisher) attempt(ctx context.Context, d Delivery) (int, error) {
	if d.Route.Exchange == "" || d.Route.RoutingKey == "" {
		return 0, fmt.Errorf("%w: %s", ErrNoRoute, d.Kind)
	}

	headers := make(map[string]string)
	p.cfg.Propagator.Inject(ctx, propagation.MapCarrier(headers))

	var lastErr error
	attempt := 0
	for attempt < p.cfg.MaxAttempts {
		attempt++
		msg := Message{
			Route:         d.Route,
			MessageID:     d.MessageID,
			CorrelationID: nextID(p.cfg.IDGenerator),
			ContentType:   d.ContentType,
			Type:          d.Kind,
			AppID:         p.cfg.AppID,
			Body:          d.Payload,
			Timestamp:     d.Timestamp,
			Attempt:       attempt,
			Headers:       headers,
			Mandatory:     true,
		}

		sendStart := time.Now()
		err := p.send(ctx, msg)
		latency := time.Since(sendStart)
		if err == nil {
			p.cfg.Logger.Debug("event published",
				"type", d.Kind,
				"key", d.Key,
				"message_id", msg.MessageID,
				"correlation_id", msg.CorrelationID,
				"attempt", attempt,
				"latency", latency,
			)

			return attempt, nil
		}

		lastErr = err
		p.cfg.Metrics.IncPublishErrors(d.Kind)
		p.cfg.Logger.Warn("event publish attempt failed",
			"type", d.Kind,
			"key", d.Key,
			"message_id", msg.MessageID,
			"correlation_id", msg.CorrelationID,
			"exchange", d.Route.Exchange,
			"routing_key", d.Route.RoutingKey,
			"attempt", attempt,
			"latency", latency,
			"err", err,
		)

		if ctx.Err() != nil {
			return attempt, errors.Join(lastErr, ctx.Err())
		}
		if p.cfg.RetryClassifier(ctx, err) == FailureDead || attempt >= p.cfg.MaxAttempts {
			break
		}
		if sleepErr := p.cfg.Sleeper(ctx, p.backoff(attempt)); sleepErr != nil {
			return attempt, errors.Join(lastErr, sleepErr)
		}
	}

	return attempt, lastErr
}

func (p *Publisher) send(ctx context.Context, msg Message) error {
	if p.cfg.AttemptTimeout <= 0 {
		return p.sender.Send(ctx, msg)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	return p.sender.Send(ctx, msg)
}

// backoff returns the delay after the given failed attempt: initial * multiplier^(attempt-1).
func (p *Publisher) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.InitialBackoff) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt-1))
	if p.cfg.MaxBackoff > 0 && delay > float64(p.cfg.MaxBackoff) {
		return p.cfg.MaxBackoff
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}
