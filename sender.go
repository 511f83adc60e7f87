package dispatch

import (
	"context"
	"time"
)

// Route addresses a message on the broker.
type Route struct {
	Exchange   string
	RoutingKey string
}

// String implements fmt.Stringer.
func (r Route) String() string {
	return r.Exchange + "/" + r.RoutingKey
}

// Message is one physical send of an encoded event.
type Message struct {
	Route Route
	// MessageID is stable across the retries of one logical publish.
	MessageID string
	// CorrelationID is unique per send attempt.
	CorrelationID string
	ContentType   string
	Type          Kind
	AppID         string
	Body          []byte
	Timestamp     time.Time
	Attempt       int
	// Headers carries propagated trace context.
	Headers map[string]string
	// Mandatory asks the broker to return unroutable messages.
	Mandatory bool
}

// Sender performs a single network send. Implementations must be safe for concurrent use.
type Sender interface {
	// Send delivers msg and returns once the broker confirmed or rejected it.
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

// Send implements Sender.
func (fn SenderFunc) Send(ctx context.Context, msg Message) error {
	return fn(ctx, msg)
}
