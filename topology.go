package dispatch

import "fmt"

// Binding ties an event kind to an exchange, a queue and the routing key between them.
type Binding struct {
	Kind       Kind
	Exchange   string
	Queue      string
	RoutingKey string
}

// Route returns the publish address of the binding.
func (b Binding) Route() Route {
	return Route{Exchange: b.Exchange, RoutingKey: b.RoutingKey}
}

// Topology is the broker layout producers publish to.
type Topology struct {
	Bindings []Binding
}

// DefaultTopology returns the standard news and comment channels.
func DefaultTopology() Topology {
	return Topology{Bindings: []Binding{
		{Kind: KindNewsCreated, Exchange: "exchange.news", Queue: "queue.news.created", RoutingKey: "news.created"},
		{Kind: KindNewsUpdated, Exchange: "exchange.news", Queue: "queue.news.updated", RoutingKey: "news.updated"},
		{Kind: KindCommentCreated, Exchange: "exchange.comments", Queue: "queue.comments.created", RoutingKey: "comments.created"},
	}}
}

// Validate checks that every supported kind has exactly one complete binding.
func (t Topology) Validate() error {
	seen := make(map[Kind]struct{}, len(t.Bindings))
	for _, b := range t.Bindings {
		if !b.Kind.Valid() {
			return fmt.Errorf("%w: %w: %q", ErrInvalidTopology, ErrUnknownKind, b.Kind)
		}
		if _, ok := seen[b.Kind]; ok {
			return fmt.Errorf("%w: duplicate binding for %s", ErrInvalidTopology, b.Kind)
		}
		if b.Exchange == "" || b.Queue == "" || b.RoutingKey == "" {
			return fmt.Errorf("%w: incomplete binding for %s", ErrInvalidTopology, b.Kind)
		}
		seen[b.Kind] = struct{}{}
	}
	for _, kind := range Kinds() {
		if _, ok := seen[kind]; !ok {
			return fmt.Errorf("%w: %w: %s", ErrInvalidTopology, ErrNoRoute, kind)
		}
	}

	return nil
}

// Route returns the publish address for kind.
func (t Topology) Route(kind Kind) (Route, error) {
	for _, b := range t.Bindings {
		if b.Kind == kind {
			return b.Route(), nil
		}
	}

	return Route{}, fmt.Errorf("%w: %s", ErrNoRoute, kind)
}

// Exchanges returns the distinct exchange names in binding order.
func (t Topology) Exchanges() []string {
	seen := make(map[string]struct{}, len(t.Bindings))
	out := make([]string, 0, len(t.Bindings))
	for _, b := range t.Bindings {
		if _, ok := seen[b.Exchange]; ok {
			continue
		}
		seen[b.Exchange] = struct{}{}
		out = append(out, b.Exchange)
	}

	return out
}
