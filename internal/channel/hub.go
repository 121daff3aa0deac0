package channel

import (
	"context"
	"sync"

	"github.com/weftlabs/weft/internal/idgen"
)

// Hub is the in-process Transport. Subscribers on the same channel name
// receive every published envelope; the first handler to return a non-error
// result acknowledges the publish. Used by tests and single-process
// deployments where no broker is configured.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]*hubSub
}

type hubSub struct {
	handlers HandlerTable
	ctx      context.Context
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[string]*hubSub{}}
}

func (h *Hub) Channel(name string) Channel {
	return &hubChannel{hub: h, name: name}
}

func (h *Hub) Close() error {
	h.mu.Lock()
	h.subs = map[string]map[string]*hubSub{}
	h.mu.Unlock()
	return nil
}

func (h *Hub) subscribe(ctx context.Context, name string, handlers HandlerTable) string {
	id := idgen.Correlation()
	h.mu.Lock()
	if h.subs[name] == nil {
		h.subs[name] = map[string]*hubSub{}
	}
	h.subs[name][id] = &hubSub{handlers: handlers, ctx: ctx}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[name], id)
		h.mu.Unlock()
	}()
	return id
}

func (h *Hub) snapshot(name string) []*hubSub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*hubSub, 0, len(h.subs[name]))
	for _, sub := range h.subs[name] {
		out = append(out, sub)
	}
	return out
}

type hubChannel struct {
	hub  *Hub
	name string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *hubChannel) Connect(ctx context.Context) error { return nil }

func (c *hubChannel) Subscribe(ctx context.Context, handlers HandlerTable) error {
	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.mu.Unlock()
	c.hub.subscribe(subCtx, c.name, handlers)
	return nil
}

func (c *hubChannel) Publish(ctx context.Context, env Envelope, opts PublishOptions) (Ack, error) {
	subs := c.hub.snapshot(c.name)

	if opts.AckTimeout <= 0 {
		for _, sub := range subs {
			if handler, ok := sub.handlers.Resolve(env.Command); ok {
				go func(sub *hubSub, handler HandlerFunc) {
					_, _ = handler(sub.ctx, env)
				}(sub, handler)
			}
		}
		return Ack{}, nil
	}

	replies := make(chan map[string]any, len(subs)+1)
	dispatched := 0
	for _, sub := range subs {
		handler, ok := sub.handlers.Resolve(env.Command)
		if !ok {
			continue
		}
		dispatched++
		go func(sub *hubSub, handler HandlerFunc) {
			result, err := handler(sub.ctx, env)
			if err != nil {
				return
			}
			select {
			case replies <- result:
			default:
			}
		}(sub, handler)
	}
	if dispatched == 0 {
		return Ack{Acknowledged: false}, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.AckTimeout)
	defer cancel()
	select {
	case result := <-replies:
		return Ack{Acknowledged: true, Result: result}, nil
	case <-waitCtx.Done():
		return Ack{Acknowledged: false}, nil
	}
}

func (c *hubChannel) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	return nil
}
