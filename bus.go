package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// UnitOfWork runs registered callbacks only after it commits.
type UnitOfWork interface {
	// AfterCommit queues fn to run after a successful commit. Queued callbacks are
	// discarded on rollback. It fails once the unit of work has finished.
	AfterCommit(fn func(ctx context.Context)) error
}

// ErrorSink receives the aggregate of subscriber failures for one dispatched notification.
type ErrorSink func(ctx context.Context, n Notification, err error)

type subscription struct {
	name       string
	subscriber Subscriber
}

// Bus delivers notifications to subscribers after the raising unit of work commits.
type Bus struct {
	cfg BusConfig

	mu   sync.RWMutex
	subs map[Kind][]subscription
}

// NewBus constructs a Bus with defaults and optional settings.
func NewBus(opts ...BusOption) *Bus {
	var cfg BusConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Bus{
		cfg:  cfg.withDefaults(),
		subs: make(map[Kind][]subscription),
	}
}

// Subscribe registers sub for notifications of kind. Subscribers run in registration order.
func (b *Bus) Subscribe(kind Kind, name string, sub Subscriber) error {
	if sub == nil {
		panic("dispatch: nil Subscriber")
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], subscription{name: name, subscriber: sub})
	b.mu.Unlock()

	return nil
}

// Raise queues n for dispatch once uow commits. Nothing is delivered if uow rolls back.
func (b *Bus) Raise(uow UnitOfWork, n Notification) error {
	if uow == nil {
		return ErrNoUnitOfWork
	}
	if err := checkNotification(n); err != nil {
		return err
	}
	if !n.Kind().Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, n.Kind())
	}

	return uow.AfterCommit(func(ctx context.Context) {
		_ = b.Dispatch(ctx, n)
	})
}

// Dispatch delivers n to every subscriber of its kind. A failing or panicking
// subscriber does not stop the others. Failures are logged, counted, handed to the
// error sink and returned joined. Dispatch never panics.
func (b *Bus) Dispatch(ctx context.Context, n Notification) error {
	if err := checkNotification(n); err != nil {
		b.cfg.Logger.Error("event notification rejected", "err", err)

		return err
	}

	kind := n.Kind()
	b.mu.RLock()
	subs := b.subs[kind]
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := b.deliver(ctx, s, n); err != nil {
			b.cfg.Metrics.IncSwallowed(kind)
			b.cfg.Logger.Error("event subscriber failed",
				"type", kind,
				"key", n.Key(),
				"subscriber", s.name,
				"err", err,
			)
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil && b.cfg.ErrorSink != nil {
		b.sink(ctx, n, err)
	}

	return err
}

func (b *Bus) deliver(ctx context.Context, s subscription, n Notification) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: %v", ErrSubscriberPanic, s.name, rec)
		}
	}()

	if err := s.subscriber.Handle(ctx, n); err != nil {
		return fmt.Errorf("subscriber %s: %w", s.name, err)
	}

	return nil
}

func (b *Bus) sink(ctx context.Context, n Notification, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			b.cfg.Logger.Error("event error sink panic", "type", n.Kind(), "key", n.Key(), "panic", rec)
		}
	}()

	b.cfg.ErrorSink(ctx, n, err)
}
