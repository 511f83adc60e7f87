package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/velmie/dispatch"
)

const (
	defaultPoolSize       = 4
	defaultConfirmTimeout = 5 * time.Second

	// HeaderAttempt carries the 1-based publish attempt number.
	HeaderAttempt = "x-attempt"
)

// SenderConfig controls the channel pool and confirm waiting.
type SenderConfig struct {
	// PoolSize bounds the number of channels, and so the number of in-flight sends.
	PoolSize       int
	ConfirmTimeout time.Duration
	Logger         dispatch.Logger
}

func (c SenderConfig) withDefaults() SenderConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.Logger == nil {
		c.Logger = dispatch.NopLogger{}
	}

	return c
}

// SenderOption configures a Sender.
type SenderOption func(*SenderConfig)

// WithPoolSize sets the maximum number of pooled channels.
func WithPoolSize(size int) SenderOption {
	return func(c *SenderConfig) {
		c.PoolSize = size
	}
}

// WithConfirmTimeout sets how long a send waits for the broker confirm.
func WithConfirmTimeout(timeout time.Duration) SenderOption {
	return func(c *SenderConfig) {
		c.ConfirmTimeout = timeout
	}
}

// WithLogger sets the sender logger.
func WithLogger(logger dispatch.Logger) SenderOption {
	return func(c *SenderConfig) {
		c.Logger = logger
	}
}

// confirmChannel is a pooled channel in confirm mode. It is used by one send at a time.
type confirmChannel struct {
	ch       Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	closed   chan *amqp.Error
}

// Sender implements dispatch.Sender over a pool of confirm-mode channels.
type Sender struct {
	open Opener
	cfg  SenderConfig

	slots chan struct{}
	idle  chan *confirmChannel

	mu       sync.Mutex
	isClosed bool
}

var _ dispatch.Sender = (*Sender)(nil)

// NewSender constructs a Sender. Channels are opened lazily on first use.
func NewSender(open Opener, opts ...SenderOption) (*Sender, error) {
	if open == nil {
		return nil, ErrOpenerRequired
	}

	var cfg SenderConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Sender{
		open:  open,
		cfg:   cfg,
		slots: make(chan struct{}, cfg.PoolSize),
		idle:  make(chan *confirmChannel, cfg.PoolSize),
	}, nil
}

// Send publishes msg with mandatory routing and waits for the broker confirm.
func (s *Sender) Send(ctx context.Context, msg dispatch.Message) error {
	if s.closed() {
		return ErrSenderClosed
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.slots }()

	cc, err := s.acquire(ctx)
	if err != nil {
		return err
	}

	if err := cc.ch.PublishWithContext(ctx, msg.Route.Exchange, msg.Route.RoutingKey, msg.Mandatory, false, publishing(msg)); err != nil {
		s.discard(cc)

		return fmt.Errorf("dispatch rabbitmq: publish failed: %w", err)
	}

	healthy, err := s.waitConfirm(ctx, cc, msg)
	if healthy {
		s.release(cc)
	} else {
		s.discard(cc)
	}

	return err
}

// waitConfirm blocks until the publish is confirmed. It reports whether the channel
// can be reused: after a timeout or cancellation a late confirm would be misread by
// the next send.
func (s *Sender) waitConfirm(ctx context.Context, cc *confirmChannel, msg dispatch.Message) (bool, error) {
	timer := time.NewTimer(s.cfg.ConfirmTimeout)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case ret := <-cc.returns:
			returned = &ret
		case confirm, ok := <-cc.confirms:
			if !ok {
				return false, ErrChannelClosed
			}
			// The broker sends basic.return before the ack of the same message.
			if returned == nil {
				select {
				case ret := <-cc.returns:
					returned = &ret
				default:
				}
			}
			if !confirm.Ack {
				return true, fmt.Errorf("%w: %s delivery_tag=%d", dispatch.ErrNacked, msg.Route, confirm.DeliveryTag)
			}
			if returned != nil {
				return true, fmt.Errorf("%w: %s reply=%d %s", dispatch.ErrUnroutable, msg.Route, returned.ReplyCode, returned.ReplyText)
			}

			return true, nil
		case amqpErr := <-cc.closed:
			if amqpErr != nil {
				return false, fmt.Errorf("%w: %s", ErrChannelClosed, amqpErr.Reason)
			}

			return false, ErrChannelClosed
		case <-timer.C:
			return false, ErrConfirmTimeout
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (s *Sender) acquire(ctx context.Context) (*confirmChannel, error) {
	select {
	case cc := <-s.idle:
		return cc, nil
	default:
	}

	ch, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, ErrChannelRequired
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	cc := &confirmChannel{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
		closed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
	}
	s.cfg.Logger.Debug("rabbitmq channel opened")

	return cc, nil
}

func (s *Sender) release(cc *confirmChannel) {
	if s.closed() {
		_ = cc.ch.Close()

		return
	}

	select {
	case s.idle <- cc:
	default:
		_ = cc.ch.Close()
	}
}

func (s *Sender) discard(cc *confirmChannel) {
	if err := cc.ch.Close(); err != nil {
		s.cfg.Logger.Debug("rabbitmq channel close failed", "err", err)
	}
	s.cfg.Logger.Warn("rabbitmq channel discarded")
}

func (s *Sender) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.isClosed
}

// Close closes idle channels. Sends in flight finish and close their channels.
func (s *Sender) Close() error {
	s.mu.Lock()
	s.isClosed = true
	s.mu.Unlock()

	for {
		select {
		case cc := <-s.idle:
			_ = cc.ch.Close()
		default:
			return nil
		}
	}
}

func publishing(msg dispatch.Message) amqp.Publishing {
	headers := make(amqp.Table, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderAttempt] = int32(msg.Attempt)

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		MessageId:     msg.MessageID,
		Timestamp:     msg.Timestamp,
		Type:          string(msg.Type),
		AppId:         msg.AppID,
		Body:          msg.Body,
	}
}
