package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/velmie/dispatch"
)

const (
	defaultExchangeKind = amqp.ExchangeTopic
	defaultDLQSuffix    = ".dlq"
)

// TopologyConfig controls how the event topology is declared.
type TopologyConfig struct {
	ExchangeKind string
	// DeadLetterExchange, when set, is declared as a fanout exchange and configured as
	// x-dead-letter-exchange on every event queue. Its queue is named after it with a
	// ".dlq" suffix.
	DeadLetterExchange string
	QueueArgs          amqp.Table
}

// TopologyOption configures topology declaration.
type TopologyOption func(*TopologyConfig)

// WithExchangeKind overrides the exchange kind (topic by default).
func WithExchangeKind(kind string) TopologyOption {
	return func(c *TopologyConfig) {
		if kind != "" {
			c.ExchangeKind = kind
		}
	}
}

// WithDeadLetterExchange dead-letters rejected or expired events to exchange.
func WithDeadLetterExchange(exchange string) TopologyOption {
	return func(c *TopologyConfig) {
		c.DeadLetterExchange = exchange
	}
}

// WithQueueArgs adds arguments to every event queue declaration.
func WithQueueArgs(args amqp.Table) TopologyOption {
	return func(c *TopologyConfig) {
		c.QueueArgs = args
	}
}

func (c TopologyConfig) queueArgs() amqp.Table {
	if len(c.QueueArgs) == 0 && c.DeadLetterExchange == "" {
		return nil
	}

	args := make(amqp.Table, len(c.QueueArgs)+1)
	for k, v := range c.QueueArgs {
		args[k] = v
	}
	if c.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = c.DeadLetterExchange
	}

	return args
}

// DeclareTopology declares durable exchanges, durable queues and their bindings.
// Declaring an existing identical topology is a no-op on the broker.
func DeclareTopology(ch Declarer, topology dispatch.Topology, opts ...TopologyOption) error {
	if ch == nil {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}
	if err := topology.Validate(); err != nil {
		return err
	}

	cfg := TopologyConfig{ExchangeKind: defaultExchangeKind}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.DeadLetterExchange != "" {
		if err := declareDeadLetter(ch, cfg.DeadLetterExchange); err != nil {
			return err
		}
	}

	for _, exchange := range topology.Exchanges() {
		if err := ch.ExchangeDeclare(exchange, cfg.ExchangeKind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	args := cfg.queueArgs()
	for _, b := range topology.Bindings {
		if _, err := ch.QueueDeclare(b.Queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", b.Queue, err)
		}
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.Queue, b.Exchange, err)
		}
	}

	return nil
}

func declareDeadLetter(ch Declarer, exchange string) error {
	queue := exchange + defaultDLQSuffix
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange %s: %w", exchange, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue %s: %w", queue, err)
	}

	return nil
}
