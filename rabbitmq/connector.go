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
	defaultReconnectBackoff    = 500 * time.Millisecond
	defaultReconnectBackoffCap = 30 * time.Second
)

// Connection is a broker connection the Connector can open channels on.
type Connection interface {
	OpenChannel() (Channel, error)
	IsClosed() bool
	Close() error
}

// DialFunc opens a new broker connection.
type DialFunc func(ctx context.Context) (Connection, error)

// DialURL returns a DialFunc connecting to url with Dial.
func DialURL(url, name string) DialFunc {
	return func(context.Context) (Connection, error) {
		conn, err := Dial(url, name)
		if err != nil {
			return nil, err
		}

		return amqpConnection{conn}, nil
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) OpenChannel() (Channel, error) {
	ch, err := c.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// ConnectorConfig controls redial rate limiting.
type ConnectorConfig struct {
	// Backoff is the wait after the first failed dial. It doubles with each
	// further failure up to BackoffCap.
	Backoff    time.Duration
	BackoffCap time.Duration
	Clock      dispatch.Clock
	Logger     dispatch.Logger
}

func (c ConnectorConfig) withDefaults() ConnectorConfig {
	if c.Backoff <= 0 {
		c.Backoff = defaultReconnectBackoff
	}
	if c.BackoffCap < c.Backoff {
		c.BackoffCap = max(defaultReconnectBackoffCap, c.Backoff)
	}
	if c.Clock == nil {
		c.Clock = dispatch.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = dispatch.NopLogger{}
	}

	return c
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*ConnectorConfig)

// WithReconnectBackoff sets the initial and maximum wait between failed dials.
func WithReconnectBackoff(initial, limit time.Duration) ConnectorOption {
	return func(c *ConnectorConfig) {
		c.Backoff = initial
		c.BackoffCap = limit
	}
}

// WithConnectorClock replaces the clock used for rate limiting.
func WithConnectorClock(clock dispatch.Clock) ConnectorOption {
	return func(c *ConnectorConfig) {
		c.Clock = clock
	}
}

// WithConnectorLogger sets the connector logger.
func WithConnectorLogger(logger dispatch.Logger) ConnectorOption {
	return func(c *ConnectorConfig) {
		c.Logger = logger
	}
}

// Connector keeps one broker connection and dials a new one when it is found
// closed. Dials after a failure are rate limited: until the backoff has passed
// Open fails fast with ErrReconnectBackoff, and the publisher retry decides
// when to come back. It is safe for concurrent use.
type Connector struct {
	dial DialFunc
	cfg  ConnectorConfig

	mu       sync.Mutex
	conn     Connection
	failures int
	lastDial time.Time
	closed   bool
}

// NewConnector returns a Connector that connects lazily on the first Open.
func NewConnector(dial DialFunc, opts ...ConnectorOption) *Connector {
	if dial == nil {
		panic("dispatch rabbitmq: nil DialFunc")
	}

	var cfg ConnectorConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Connector{dial: dial, cfg: cfg.withDefaults()}
}

// Connect dials now instead of on the first Open, so callers can fail fast
// on an unreachable broker.
func (c *Connector) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)

	return err
}

// Open implements Opener.
func (c *Connector) Open(ctx context.Context) (Channel, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.OpenChannel()
	if err != nil {
		return nil, fmt.Errorf("dispatch rabbitmq: open channel failed: %w", err)
	}

	return ch, nil
}

// Close closes the current connection. Open fails afterwards.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}

	return c.conn.Close()
}

func (c *Connector) connection(ctx context.Context) (Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectorClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	now := c.cfg.Clock.Now()
	if c.failures > 0 {
		wait := c.backoff()
		if elapsed := now.Sub(c.lastDial); elapsed < wait {
			return nil, fmt.Errorf("%w: next dial in %s", ErrReconnectBackoff, wait-elapsed)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reconnect := c.conn != nil
	c.lastDial = now
	conn, err := c.dial(ctx)
	if err != nil {
		c.failures++
		c.cfg.Logger.Warn("rabbitmq dial failed", "failures", c.failures, "err", err)

		return nil, err
	}

	if reconnect || c.failures > 0 {
		c.cfg.Logger.Info("rabbitmq connection restored", "failures", c.failures)
	}
	c.conn = conn
	c.failures = 0

	return conn, nil
}

func (c *Connector) backoff() time.Duration {
	wait := c.cfg.Backoff
	for i := 1; i < c.failures && wait < c.cfg.BackoffCap; i++ {
		wait *= 2
	}

	return min(wait, c.cfg.BackoffCap)
}
