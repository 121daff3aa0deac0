package broker

import (
	"sync"

	"github.com/weftlabs/weft/internal/channel"
)

// correlator tracks publishes awaiting an acknowledgment, keyed by
// correlation ID. Entries are removed on resolve or on timeout by the
// publisher, so the map does not grow with abandoned waits.
type correlator struct {
	mu      sync.Mutex
	pending map[string]chan channel.Ack
}

func newCorrelator() *correlator {
	return &correlator{pending: map[string]chan channel.Ack{}}
}

// register creates a single-use waiter for the given correlation ID.
func (c *correlator) register(id string) <-chan channel.Ack {
	ch := make(chan channel.Ack, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

// resolve delivers an ack to the waiter for id, if one is still registered.
// Unknown IDs (late or duplicate replies) are dropped.
func (c *correlator) resolve(id string, ack channel.Ack) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

// drop removes a waiter without delivering, used when the wait times out.
func (c *correlator) drop(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
