package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/weftlabs/weft/internal/channel"
	"github.com/weftlabs/weft/internal/idgen"
)

// State is the transport's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

// Transport is the AMQP implementation of channel.Transport. One connection
// and one anonymous reply queue serve every channel handed out by this
// process; each channel name maps to a fanout exchange, and each subscriber
// binds its own exclusive auto-delete queue.
type Transport struct {
	url string
	log *slog.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	replyQ    string
	state     State
	closed    bool
	redialing bool
	gen       int

	pending *correlator

	subMu sync.Mutex
	subs  []*subscription
}

type subscription struct {
	name     string
	handlers channel.HandlerTable
	ctx      context.Context
}

// ackFrame is the acknowledgment envelope on the wire.
type ackFrame struct {
	Acknowledged bool           `json:"acknowledged"`
	Result       map[string]any `json:"result,omitempty"`
}

func NewTransport(url string, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		url:     url,
		log:     log,
		state:   StateDisconnected,
		pending: newCorrelator(),
	}
}

// Connect dials the broker, opens the shared publish channel, and starts the
// reply consumer. Safe to call again after a Close-free disconnect; the
// reconnect loop calls it internally.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	t.state = StateConnecting
	t.mu.Unlock()

	conn, err := amqp.Dial(t.url)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("dial broker: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		t.setState(StateDisconnected)
		return fmt.Errorf("open channel: %w", err)
	}

	replyQ, err := pubCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = pubCh.Close()
		_ = conn.Close()
		t.setState(StateDisconnected)
		return fmt.Errorf("declare reply queue: %w", err)
	}
	replies, err := pubCh.Consume(replyQ.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = pubCh.Close()
		_ = conn.Close()
		t.setState(StateDisconnected)
		return fmt.Errorf("consume reply queue: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.pubCh = pubCh
	t.replyQ = replyQ.Name
	t.state = StateConnected
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	go t.consumeReplies(replies)

	// A channel can die without its connection (a failed publish closes
	// it); both losses need the same rebuild of the publish channel and
	// reply consumer.
	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClose := pubCh.NotifyClose(make(chan *amqp.Error, 1))
	go t.watchClose(connClose, gen, "connection")
	go t.watchClose(chClose, gen, "channel")

	// Re-establish consumers that predate a reconnect.
	for _, sub := range t.pruneSubscriptions() {
		if err := t.startConsumer(sub); err != nil {
			t.log.Warn("resubscribe failed", "channel", sub.name, "error", err)
		}
	}

	t.log.Info("broker connected", "reply_queue", replyQ.Name)
	return nil
}

// Channel returns a channel bound to the given name. The underlying exchange
// is declared lazily on first subscribe or publish.
func (t *Transport) Channel(name string) channel.Channel {
	return &brokerChannel{transport: t, name: name}
}

// Close tears the connection down permanently; no reconnect follows.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.state = StateClosed
	conn := t.conn
	pubCh := t.pubCh
	t.conn = nil
	t.pubCh = nil
	t.mu.Unlock()

	if pubCh != nil {
		_ = pubCh.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// CurrentState reports the connection state machine's position.
func (t *Transport) CurrentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if !t.closed {
		t.state = s
	}
	t.mu.Unlock()
}

func (t *Transport) consumeReplies(replies <-chan amqp.Delivery) {
	for d := range replies {
		if d.CorrelationId == "" {
			continue
		}
		var frame ackFrame
		if err := json.Unmarshal(d.Body, &frame); err != nil {
			t.log.Warn("malformed ack frame", "correlation_id", d.CorrelationId, "error", err)
			continue
		}
		t.pending.resolve(d.CorrelationId, channel.Ack{
			Acknowledged: frame.Acknowledged,
			Result:       frame.Result,
		})
	}
}

func (t *Transport) watchClose(closeCh <-chan *amqp.Error, gen int, source string) {
	amqpErr, ok := <-closeCh
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	if ok && amqpErr != nil {
		t.log.Warn("broker "+source+" lost", "error", amqpErr)
	}
	t.reconnect(gen)
}

// pruneSubscriptions drops subscriptions whose contexts are canceled and
// returns the live ones. Without the prune, every Subscribe call would pin
// its entry for the transport's lifetime.
func (t *Transport) pruneSubscriptions() []*subscription {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	kept := t.subs[:0]
	for _, sub := range t.subs {
		if sub.ctx.Err() == nil {
			kept = append(kept, sub)
		}
	}
	for i := len(kept); i < len(t.subs); i++ {
		t.subs[i] = nil
	}
	t.subs = kept
	return append([]*subscription(nil), kept...)
}

// reconnect retries Connect with exponential backoff until it succeeds or
// the transport is closed. A single-flight guard keeps concurrent close
// notifications from stacking reconnect loops; the generation check drops
// close notifications from a connection that has already been replaced.
func (t *Transport) reconnect(gen int) {
	t.mu.Lock()
	if t.redialing || t.closed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.redialing = true
	t.state = StateReconnecting
	conn := t.conn
	pubCh := t.pubCh
	t.conn = nil
	t.pubCh = nil
	t.mu.Unlock()

	// Teardown is defensive: the handles are likely already dead.
	if pubCh != nil {
		_ = pubCh.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}

	go func() {
		defer func() {
			t.mu.Lock()
			t.redialing = false
			t.mu.Unlock()
		}()
		delay := time.Duration(0)
		for {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			delay = nextBackoff(delay)
			time.Sleep(delay)
			if err := t.Connect(context.Background()); err != nil {
				t.log.Warn("broker reconnect failed", "delay", delay, "error", err)
				continue
			}
			return
		}
	}()
}

func (t *Transport) publishChannel() (*amqp.Channel, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, "", fmt.Errorf("transport is closed")
	}
	if t.pubCh == nil {
		return nil, "", fmt.Errorf("broker not connected")
	}
	return t.pubCh, t.replyQ, nil
}

func (t *Transport) declareExchange(ch *amqp.Channel, name string) error {
	if err := ch.ExchangeDeclare(name, "fanout", false, true, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}
	return nil
}

// startConsumer binds an exclusive queue to the channel's exchange and runs
// the delivery loop. Deliveries are acked only after the handler returns, so
// a crash mid-handler redelivers.
func (t *Transport) startConsumer(sub *subscription) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("broker not connected")
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := t.declareExchange(consumeCh, sub.name); err != nil {
		_ = consumeCh.Close()
		return err
	}
	q, err := consumeCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = consumeCh.Close()
		return fmt.Errorf("declare subscriber queue: %w", err)
	}
	if err := consumeCh.QueueBind(q.Name, "", sub.name, false, nil); err != nil {
		_ = consumeCh.Close()
		return fmt.Errorf("bind subscriber queue: %w", err)
	}
	deliveries, err := consumeCh.Consume(q.Name, "", false, true, false, false, nil)
	if err != nil {
		_ = consumeCh.Close()
		return fmt.Errorf("consume subscriber queue: %w", err)
	}

	go func() {
		defer func() {
			_ = consumeCh.Close()
		}()
		for {
			select {
			case <-sub.ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				t.handleDelivery(sub, d)
			}
		}
	}()
	return nil
}

func (t *Transport) handleDelivery(sub *subscription, d amqp.Delivery) {
	var env channel.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		t.log.Warn("malformed envelope", "channel", sub.name, "error", err)
		_ = d.Ack(false)
		return
	}
	handler, ok := sub.handlers.Resolve(env.Command)
	if !ok {
		_ = d.Ack(false)
		return
	}
	result, err := handler(sub.ctx, env)
	_ = d.Ack(false)
	if err != nil {
		t.log.Warn("handler failed", "channel", sub.name, "command", env.Command, "error", err)
		return
	}
	if d.ReplyTo == "" || d.CorrelationId == "" {
		return
	}
	body, err := json.Marshal(ackFrame{Acknowledged: true, Result: result})
	if err != nil {
		return
	}
	pubCh, _, err := t.publishChannel()
	if err != nil {
		return
	}
	_ = pubCh.PublishWithContext(sub.ctx, "", d.ReplyTo, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Body:          body,
	})
}

type brokerChannel struct {
	transport *Transport
	name      string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *brokerChannel) Connect(ctx context.Context) error {
	if c.transport.CurrentState() == StateConnected {
		return nil
	}
	return c.transport.Connect(ctx)
}

func (c *brokerChannel) Subscribe(ctx context.Context, handlers channel.HandlerTable) error {
	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()

	sub := &subscription{name: c.name, handlers: handlers, ctx: subCtx}
	c.transport.subMu.Lock()
	c.transport.subs = append(c.transport.subs, sub)
	c.transport.subMu.Unlock()

	return c.transport.startConsumer(sub)
}

func (c *brokerChannel) Publish(ctx context.Context, env channel.Envelope, opts channel.PublishOptions) (channel.Ack, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return channel.Ack{}, fmt.Errorf("encode envelope: %w", err)
	}
	pubCh, replyQ, err := c.transport.publishChannel()
	if err != nil {
		return channel.Ack{}, err
	}
	if err := c.transport.declareExchange(pubCh, c.name); err != nil {
		return channel.Ack{}, err
	}

	if opts.AckTimeout <= 0 {
		if err := pubCh.PublishWithContext(ctx, c.name, "", false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		}); err != nil {
			return channel.Ack{}, fmt.Errorf("publish: %w", err)
		}
		return channel.Ack{}, nil
	}

	corrID := idgen.Correlation()
	waiter := c.transport.pending.register(corrID)
	if err := pubCh.PublishWithContext(ctx, c.name, "", false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       replyQ,
		Body:          body,
	}); err != nil {
		c.transport.pending.drop(corrID)
		return channel.Ack{}, fmt.Errorf("publish: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.AckTimeout)
	defer cancel()
	select {
	case ack := <-waiter:
		return ack, nil
	case <-waitCtx.Done():
		c.transport.pending.drop(corrID)
		return channel.Ack{Acknowledged: false}, nil
	}
}

func (c *brokerChannel) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	return nil
}
