package channel

import (
	"context"
	"time"
)

// Wildcard matches any command in a HandlerTable.
const Wildcard = "*"

// Envelope is the wire unit carried on a channel.
type Envelope struct {
	Command string         `json:"command"`
	Data    map[string]any `json:"data,omitempty"`
}

// Ack is the acknowledgment surfaced back to a publisher. A publish whose
// wait times out yields Ack{Acknowledged: false} with a nil error; callers
// treat a missing ack as a normal outcome and fall back (typically to the
// task queue), never as a failure.
type Ack struct {
	Acknowledged bool           `json:"acknowledged"`
	Result       map[string]any `json:"result,omitempty"`
}

// HandlerFunc handles one delivered envelope. A non-nil result becomes the
// acknowledgment payload for publishers awaiting one. Delivery is
// at-least-once, so handlers must be idempotent or deduplicate by record or
// task identifier.
type HandlerFunc func(ctx context.Context, env Envelope) (map[string]any, error)

// HandlerTable maps a command name (or Wildcard) to its handler.
type HandlerTable map[string]HandlerFunc

// Resolve returns the handler for a command, falling back to the wildcard.
func (t HandlerTable) Resolve(command string) (HandlerFunc, bool) {
	if h, ok := t[command]; ok {
		return h, true
	}
	h, ok := t[Wildcard]
	return h, ok
}

// PublishOptions controls publish behavior.
type PublishOptions struct {
	// AckTimeout bounds the cooperative wait for an acknowledgment.
	// Zero means fire-and-forget.
	AckTimeout time.Duration
}

// Channel is a duplex publish/subscribe endpoint for one named topic.
type Channel interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, handlers HandlerTable) error
	Publish(ctx context.Context, env Envelope, opts PublishOptions) (Ack, error)
	Close() error
}

// Transport produces channels by name. Implementations: the in-process Hub
// and the AMQP broker transport.
type Transport interface {
	Channel(name string) Channel
	Close() error
}
