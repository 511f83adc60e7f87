package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

const (
	defaultBreakerName        = "broker"
	defaultBreakerMaxRequests = 1
	defaultBreakerInterval    = time.Minute
	defaultBreakerTimeout     = 30 * time.Second
	defaultBreakerFailures    = 5
)

// BreakerSettings configures BreakerSender.
type BreakerSettings struct {
	Name string
	// MaxRequests is the number of trial sends allowed while half-open.
	MaxRequests uint32
	// Interval clears failure counts while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	Logger              Logger
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.Name == "" {
		s.Name = defaultBreakerName
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = defaultBreakerMaxRequests
	}
	if s.Interval <= 0 {
		s.Interval = defaultBreakerInterval
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultBreakerTimeout
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = defaultBreakerFailures
	}
	if s.Logger == nil {
		s.Logger = NopLogger{}
	}

	return s
}

// BreakerSender fails fast with ErrCircuitOpen while the broker keeps failing,
// bounding the time a committing goroutine spends on an unavailable broker.
// Permanent rejections do not count as broker failures.
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSender wraps next with a circuit breaker.
func NewBreakerSender(next Sender, settings BreakerSettings) *BreakerSender {
	if next == nil {
		panic("dispatch: nil Sender")
	}
	settings = settings.withDefaults()
	logger := settings.Logger

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("broker circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
	})

	return &BreakerSender{next: next, cb: cb}
}

// Send implements Sender.
func (s *BreakerSender) Send(ctx context.Context, msg Message) error {
	_, err := s.cb.Execute(func() (any, error) {
		return nil, s.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}

	return err
}

// State returns the current breaker state name.
func (s *BreakerSender) State() string {
	return s.cb.State().String()
}
