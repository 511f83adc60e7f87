package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultHeartbeat = 10 * time.Second

// Declarer declares exchanges, queues and bindings.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Channel is the subset of *amqp.Channel used for confirmed publishing.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

var (
	_ Channel  = (*amqp.Channel)(nil)
	_ Declarer = (*amqp.Channel)(nil)
)

// Opener opens a fresh channel for the sender pool.
type Opener func(ctx context.Context) (Channel, error)

// Dial connects to the broker at url and names the connection for the management UI.
func Dial(url, name string) (*amqp.Connection, error) {
	cfg := amqp.Config{
		Heartbeat:  defaultHeartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if name != "" {
		cfg.Properties.SetClientConnectionName(name)
	}

	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, fmt.Errorf("dispatch rabbitmq: dial failed: %w", err)
	}

	return conn, nil
}
