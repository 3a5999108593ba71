package broker

import (
	"context"

	"postmesh/pkg/models"
)

// Producer emits envelopes on the topic exchange under msg.RoutingKey.
// Publishing is fire-and-forget: nothing about subscriber processing is
// reported back.
type Producer interface {
	Publish(ctx context.Context, msg models.MessageEnvelope) error
	Close() error
}

// Consumer binds queues to routing key patterns and runs handlers for every
// matching delivery. Subscribe declares the topology synchronously and
// returns its error; receiving then continues in the background until ctx is
// cancelled or Close is called.
type Consumer interface {
	Subscribe(ctx context.Context, binding Binding, handler HandlerFunc) error
	Close() error
}

// HandlerFunc must be idempotent: every delivery guarantee is at-least-once.
type HandlerFunc func(ctx context.Context, msg models.MessageEnvelope) error

type Binding struct {
	Exchange string
	Pattern  string
	// Queue names a shared durable queue whose consumers compete for
	// messages. Empty means an exclusive, server-named, auto-deleted queue
	// owned by this process, so every instance receives its own copy.
	Queue string
}

func (b Binding) Shared() bool {
	return b.Queue != ""
}

func (b Binding) withDefaults(exchange string) Binding {
	if b.Exchange == "" {
		b.Exchange = exchange
	}
	return b
}

// NewBinding binds pattern for a consumer group. With a group name each
// pattern gets its own shared queue, so a queue only ever holds messages
// its handler understands.
func NewBinding(group, pattern string) Binding {
	b := Binding{Pattern: pattern}
	if group != "" {
		b.Queue = group + "." + pattern
	}
	return b
}
