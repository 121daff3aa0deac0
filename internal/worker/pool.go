package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/channel"
	"github.com/weftlabs/weft/internal/idgen"
	"github.com/weftlabs/weft/internal/schema"
)

const DefaultScanInterval = 5 * time.Second

// Pool turns queued work into running session drains. Sessions arrive two
// ways: a wake command on the machines channel (the fast path after an
// enqueue) and a periodic scan of sessions with queued tasks (the safety net
// when the wake was lost or no process was listening). Runner count is
// bounded by a slot semaphore.
type Pool struct {
	runner       *Runner
	transport    channel.Transport
	log          *slog.Logger
	machineID    string
	scanInterval time.Duration

	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

func NewPool(runner *Runner, transport channel.Transport, log *slog.Logger, machineID string, slotCount int, scanInterval time.Duration) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if slotCount <= 0 {
		slotCount = 1
	}
	if scanInterval <= 0 {
		scanInterval = DefaultScanInterval
	}
	return &Pool{
		runner:       runner,
		transport:    transport,
		log:          log,
		machineID:    machineID,
		scanInterval: scanInterval,
		slots:        make(chan struct{}, slotCount),
		active:       map[string]struct{}{},
	}
}

// Run subscribes to wake commands and scans until ctx is canceled, then
// waits for in-flight runners to finish.
func (p *Pool) Run(ctx context.Context) error {
	ch := p.transport.Channel(schema.ChannelMachines)
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect machines channel: %w", err)
	}
	defer ch.Close()

	err := ch.Subscribe(ctx, channel.HandlerTable{
		schema.CommandWake: p.handleWake,
		schema.CommandPing: func(ctx context.Context, env channel.Envelope) (map[string]any, error) {
			return map[string]any{schema.MetaMachineID: p.machineID}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe machines channel: %w", err)
	}

	ticker := time.NewTicker(p.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := p.ScanOnce(ctx); err != nil {
				p.log.Error("queue scan", "error", err)
			}
		}
	}
}

// ScanOnce spawns a runner for every session with queued tasks, as slots
// allow. Sessions owned elsewhere cost one lease-claim miss and nothing more.
func (p *Pool) ScanOnce(ctx context.Context) error {
	sessions, err := p.runner.queue.SessionsWithQueuedTasks(ctx)
	if err != nil {
		return fmt.Errorf("sessions with queued tasks: %w", err)
	}
	for _, sessionID := range sessions {
		p.Spawn(ctx, sessionID)
	}
	return nil
}

// errWakeDeclined keeps a declined wake from acking; the publisher's ack
// wait then times out and it falls back to the queue scan.
var errWakeDeclined = errors.New("wake declined")

// handleWake acks with this machine's ID when it takes the session, letting
// the publisher skip its queue-scan fallback.
func (p *Pool) handleWake(ctx context.Context, env channel.Envelope) (map[string]any, error) {
	sessionID := schema.GetMetaString(env.Data, schema.MetaSessionID)
	if sessionID == "" {
		return nil, errWakeDeclined
	}
	if !p.Spawn(ctx, sessionID) {
		return nil, errWakeDeclined
	}
	return map[string]any{schema.MetaMachineID: p.machineID}, nil
}

// Spawn starts a session drain if a slot is free and the session is not
// already being drained by this process. Reports whether a runner started.
func (p *Pool) Spawn(ctx context.Context, sessionID string) bool {
	p.mu.Lock()
	if _, running := p.active[sessionID]; running {
		p.mu.Unlock()
		return false
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.mu.Unlock()
		return false
	}
	p.active[sessionID] = struct{}{}
	p.mu.Unlock()

	threadID := idgen.New()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.active, sessionID)
			p.mu.Unlock()
			<-p.slots
		}()
		if err := p.runner.RunSession(ctx, sessionID, threadID); err != nil {
			p.log.Error("session drain", "session_id", sessionID, "thread_id", threadID, "error", err)
		}
	}()
	return true
}

// Wait blocks until all in-flight runners finish. Used on shutdown.
func (p *Pool) Wait() {
	p.wg.Wait()
}
