package dispatch

import (
	"context"
	"fmt"
)

const forwarderName = "broker-forwarder"

// EventPublisher publishes a translated event to a route.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event, route Route) error
}

// Forwarder is the bus subscriber that translates committed notifications and
// publishes the resulting events to the broker.
type Forwarder struct {
	translator *Translator
	publisher  EventPublisher
	topology   Topology
}

// NewForwarder constructs a Forwarder. The topology must be valid.
func NewForwarder(translator *Translator, publisher EventPublisher, topology Topology) (*Forwarder, error) {
	if translator == nil {
		panic("dispatch: nil Translator")
	}
	if publisher == nil {
		panic("dispatch: nil EventPublisher")
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}

	return &Forwarder{translator: translator, publisher: publisher, topology: topology}, nil
}

// Register subscribes the forwarder to every supported kind.
func (f *Forwarder) Register(bus *Bus) error {
	for _, kind := range Kinds() {
		if err := bus.Subscribe(kind, forwarderName, f); err != nil {
			return err
		}
	}

	return nil
}

// Handle implements Subscriber. Translation errors are returned unretried.
func (f *Forwarder) Handle(ctx context.Context, n Notification) error {
	ev, err := f.translator.Translate(n)
	if err != nil {
		return fmt.Errorf("translate %s: %w", n.Key(), err)
	}

	route, err := f.topology.Route(ev.Kind())
	if err != nil {
		return err
	}

	return f.publisher.Publish(ctx, ev, route)
}
