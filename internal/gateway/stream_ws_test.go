package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/weftlabs/weft/internal/channel"
	"github.com/weftlabs/weft/internal/schema"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestStreamSessionForwardsRecordUpdates(t *testing.T) {
	hub := channel.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWSWriter{}
	go func() {
		_ = streamSession(ctx, hub, "sess-1", writer)
	}()

	ch := hub.Channel(schema.SessionChannel("sess-1"))
	update := channel.Envelope{
		Command: schema.CommandRecordUpdate,
		Data:    map[string]any{schema.MetaRecordID: "rec-1", "state": "completed"},
	}

	// The stream goroutine subscribes asynchronously; republish until the
	// frame lands.
	deadline := time.After(2 * time.Second)
	for writer.count() == 0 {
		if _, err := ch.Publish(ctx, update, channel.PublishOptions{}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for ws frame")
		case <-time.After(10 * time.Millisecond):
		}
	}

	writer.mu.Lock()
	frame := writer.messages[0]
	writer.mu.Unlock()
	var env channel.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("decode ws payload: %v", err)
	}
	if env.Command != schema.CommandRecordUpdate {
		t.Fatalf("unexpected command %q", env.Command)
	}
	if schema.GetMetaString(env.Data, schema.MetaRecordID) != "rec-1" {
		t.Fatalf("unexpected payload %+v", env.Data)
	}
}

func TestStreamObserverNeverAcksWakes(t *testing.T) {
	hub := channel.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWSWriter{}
	go func() {
		_ = streamSession(ctx, hub, "sess-1", writer)
	}()
	// Give the subscription a moment to land; an early publish would pass
	// trivially with no subscriber.
	time.Sleep(50 * time.Millisecond)

	ch := hub.Channel(schema.SessionChannel("sess-1"))
	ack, err := ch.Publish(ctx, channel.Envelope{
		Command: schema.CommandWake,
		Data:    map[string]any{schema.MetaSessionID: "sess-1"},
	}, channel.PublishOptions{AckTimeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ack.Acknowledged {
		t.Fatal("a streaming observer must not ack a worker wake")
	}
}
