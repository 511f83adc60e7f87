package dispatch

import "context"

// Subscriber reacts to a committed notification.
type Subscriber interface {
	// Handle processes a single notification and returns an error on failure.
	Handle(ctx context.Context, n Notification) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, n Notification) error

// Handle implements Subscriber.
func (fn SubscriberFunc) Handle(ctx context.Context, n Notification) error {
	return fn(ctx, n)
}
