package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/weftlabs/weft/internal/channel"
	"github.com/weftlabs/weft/internal/schema"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleStream upgrades the request and forwards the session channel's
// envelopes to the client until it disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// The client never sends data frames; CloseRead surfaces its close
	// through context cancellation.
	ctx := conn.CloseRead(r.Context())
	if err := streamSession(ctx, s.Transport, sessionID, conn); err != nil && ctx.Err() == nil {
		s.logger().Warn("session stream", "session_id", sessionID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

// streamSession subscribes to the session channel and writes each record
// update as one JSON text frame. It deliberately handles only record updates
// so an observer can never ack a wake meant for a worker. Handler goroutines
// feed a buffered channel and a single loop writes, so frames never
// interleave; a client too slow to keep up drops updates rather than
// stalling the publisher, and re-reads state over the records API.
func streamSession(ctx context.Context, transport channel.Transport, sessionID string, writer wsWriter) error {
	ch := transport.Channel(schema.SessionChannel(sessionID))
	if err := ch.Connect(ctx); err != nil {
		return err
	}
	defer ch.Close()

	events := make(chan channel.Envelope, 64)
	forward := func(ctx context.Context, env channel.Envelope) (map[string]any, error) {
		select {
		case events <- env:
		default:
		}
		return nil, nil
	}
	err := ch.Subscribe(ctx, channel.HandlerTable{
		schema.CommandRecordUpdate: forward,
	})
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-events:
			payload, err := json.Marshal(env)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
