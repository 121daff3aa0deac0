package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/weftlabs/weft/internal/channel"
	"github.com/weftlabs/weft/internal/idgen"
	"github.com/weftlabs/weft/internal/queue"
	"github.com/weftlabs/weft/internal/records"
	"github.com/weftlabs/weft/internal/schema"
)

// DefaultLeasePeriod bounds how long a crashed worker can block a session.
const DefaultLeasePeriod = 30 * time.Second

// Runner drains one session's task queue under the session lease.
type Runner struct {
	queue       *queue.Manager
	store       *records.Store
	transport   channel.Transport
	registry    *Registry
	log         *slog.Logger
	machineID   string
	leasePeriod time.Duration
}

func NewRunner(q *queue.Manager, store *records.Store, transport channel.Transport, registry *Registry, log *slog.Logger, machineID string, leasePeriod time.Duration) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if leasePeriod <= 0 {
		leasePeriod = DefaultLeasePeriod
	}
	return &Runner{
		queue:       q,
		store:       store,
		transport:   transport,
		registry:    registry,
		log:         log,
		machineID:   machineID,
		leasePeriod: leasePeriod,
	}
}

// RunSession claims the session lease and drains the session's queue. Losing
// the lease claim means another worker owns the session; that is the normal
// exclusivity outcome and the runner exits quietly. The lease is released on
// every exit path, including a panicking executor.
func (r *Runner) RunSession(ctx context.Context, sessionID, threadID string) error {
	claimed, err := r.queue.ClaimSessionLease(ctx, sessionID, r.machineID, threadID, r.leasePeriod)
	if err != nil {
		return fmt.Errorf("claim session lease: %w", err)
	}
	if !claimed {
		return nil
	}
	var leaseLost atomic.Bool
	defer func() {
		// An expired lease may belong to another worker by now; releasing
		// it then would evict the new holder.
		if leaseLost.Load() {
			return
		}
		// The loop's ctx may already be canceled; release must still land.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.queue.ReleaseSessionLease(releaseCtx, sessionID); err != nil {
			r.log.Error("release session lease", "session_id", sessionID, "error", err)
		}
	}()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()
	go r.renewLoop(loopCtx, cancelLoop, &leaseLost, sessionID, threadID)

	ch := r.transport.Channel(schema.SessionChannel(sessionID))
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect session channel: %w", err)
	}
	defer ch.Close()

	// While the drain runs, this runner is the session's wake target: an
	// enqueuer publishing a wake on the session channel gets an immediate
	// ack instead of waiting out its ack timeout. The queued task itself
	// is picked up by the claim loop.
	wakeHandlers := channel.HandlerTable{
		schema.CommandWake: func(context.Context, channel.Envelope) (map[string]any, error) {
			return map[string]any{schema.MetaMachineID: r.machineID}, nil
		},
	}
	if err := ch.Subscribe(loopCtx, wakeHandlers); err != nil {
		return fmt.Errorf("subscribe session channel: %w", err)
	}

	for {
		task, err := r.queue.Claim(loopCtx, sessionID, r.machineID, threadID)
		if err != nil {
			// A lost lease cancels the loop; stopping is the correct
			// response, not a failure.
			if loopCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim task: %w", err)
		}
		if task == nil {
			// Stop acking wakes before exiting, then look once more: a
			// wake acked between the empty claim and the unsubscribe
			// promised work this runner must not strand.
			ch.Close()
			task, err = r.queue.Claim(loopCtx, sessionID, r.machineID, threadID)
			if err != nil {
				if loopCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("claim task: %w", err)
			}
			if task == nil {
				return nil
			}
			if err := ch.Subscribe(loopCtx, wakeHandlers); err != nil {
				return fmt.Errorf("resubscribe session channel: %w", err)
			}
		}
		halt, err := r.executeTask(loopCtx, ch, *task)
		if err != nil {
			return err
		}
		if halt {
			r.log.Info("halt requested, stopping drain", "session_id", sessionID, "task_id", task.ID)
			return nil
		}
	}
}

// renewLoop keeps the lease alive at half the lease period while the drain
// runs. A renewal that reports the lease gone means it expired and another
// worker may hold it now; the drain is canceled rather than mutate a session
// it no longer owns. A transient renewal error is only logged, since lease
// expiry remains the crash safety net.
func (r *Runner) renewLoop(ctx context.Context, cancel context.CancelFunc, leaseLost *atomic.Bool, sessionID, threadID string) {
	ticker := time.NewTicker(r.leasePeriod / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := r.queue.RenewSessionLease(ctx, sessionID, r.machineID, threadID, r.leasePeriod)
			if err != nil {
				r.log.Warn("renew session lease", "session_id", sessionID, "error", err)
			} else if !renewed {
				r.log.Warn("session lease no longer held, stopping drain", "session_id", sessionID, "thread_id", threadID)
				leaseLost.Store(true)
				cancel()
				return
			}
		}
	}
}

// executeTask runs one claimed task end to end: open a pending record, run
// the node logic, finish the record with a guarded update, complete the task,
// and publish the update. An executor failure marks the record failed and the
// drain continues; only infrastructure errors propagate. Returns true when
// the task asks the drain to stop.
func (r *Runner) executeTask(ctx context.Context, ch channel.Channel, task queue.Task) (bool, error) {
	if schema.IsHalt(task.RequestType) {
		if err := r.queue.Complete(ctx, task.ID); err != nil {
			return false, fmt.Errorf("complete halt task: %w", err)
		}
		return true, nil
	}

	ex, ok := r.registry.Resolve(task.RequestType)
	if !ok {
		r.log.Warn("no executor for request type", "request_type", task.RequestType, "task_id", task.ID)
		if err := r.queue.Complete(ctx, task.ID); err != nil {
			return false, fmt.Errorf("complete task: %w", err)
		}
		return false, nil
	}

	rec, err := r.openRecord(ctx, task)
	if err != nil {
		return false, err
	}
	r.publishUpdate(ctx, ch, rec.ID, rec.State)

	result, execErr := ex.Execute(ctx, task)
	if execErr != nil {
		r.failRecord(ctx, rec.ID, execErr)
		r.publishUpdate(ctx, ch, rec.ID, schema.RecordFailed)
	} else {
		r.finishRecord(ctx, rec.ID, result)
		final := schema.RecordCompleted
		if result.Waiting {
			final = schema.RecordWaiting
		}
		r.publishUpdate(ctx, ch, rec.ID, final)
	}

	if err := r.queue.Complete(ctx, task.ID); err != nil {
		return false, fmt.Errorf("complete task: %w", err)
	}
	return false, nil
}

func (r *Runner) openRecord(ctx context.Context, task queue.Task) (records.Record, error) {
	nodeInstanceID := schema.GetMetaString(task.Params, "node_instance_id")
	if nodeInstanceID == "" {
		nodeInstanceID = task.ID
	}
	rec := records.Record{
		ID:             idgen.RecordID(),
		SessionID:      task.SessionID,
		NodeInstanceID: nodeInstanceID,
		NodeType:       schema.GetMetaString(task.Params, "node_type"),
		Inputs:         inputRefs(task.Params),
		State:          schema.RecordPending,
		StartTime:      time.Now().UTC(),
	}
	rec, err := r.store.Upsert(ctx, rec)
	if err != nil {
		return records.Record{}, fmt.Errorf("open record: %w", err)
	}
	return rec, nil
}

// inputRefs reads upstream record IDs out of the task params, linking the new
// record into the session DAG.
func inputRefs(params map[string]any) []records.InputRef {
	raw, ok := params["input_record_ids"].([]any)
	if !ok {
		return nil
	}
	refs := make([]records.InputRef, 0, len(raw))
	for _, item := range raw {
		if id, ok := item.(string); ok && id != "" {
			refs = append(refs, records.InputRef{RecordID: id})
		}
	}
	return refs
}

// finishRecord finalizes the record from the execution result. The guard on
// pending means a record finished or deleted out from under us stays as it
// is; losing that race is a no-op, not corruption.
func (r *Runner) finishRecord(ctx context.Context, recordID string, result Result) {
	final := schema.RecordCompleted
	if result.Waiting {
		final = schema.RecordWaiting
	}
	now := time.Now().UTC()
	patch := records.Patch{
		State:         &final,
		Output:        result.Output,
		EventsEmitted: result.EventsEmitted,
	}
	if !result.Waiting {
		patch.CompletionTime = &now
	}
	expected := schema.RecordPending
	applied, err := r.store.UpdateGuarded(ctx, recordID, patch, &expected)
	if err != nil {
		r.log.Error("finish record", "record_id", recordID, "error", err)
		return
	}
	if !applied {
		r.log.Warn("record changed state before finish", "record_id", recordID)
	}
}

func (r *Runner) failRecord(ctx context.Context, recordID string, execErr error) {
	failed := schema.RecordFailed
	msg := execErr.Error()
	now := time.Now().UTC()
	expected := schema.RecordPending
	applied, err := r.store.UpdateGuarded(ctx, recordID, records.Patch{
		State:          &failed,
		Error:          &msg,
		CompletionTime: &now,
	}, &expected)
	if err != nil {
		r.log.Error("fail record", "record_id", recordID, "error", err)
		return
	}
	if !applied {
		r.log.Warn("record changed state before failure write", "record_id", recordID)
	}
	r.log.Warn("node execution failed", "record_id", recordID, "error", execErr)
}

// publishUpdate announces record progress on the session channel. Clients
// re-read state from the store, so a dropped update only delays them; publish
// is fire-and-forget.
func (r *Runner) publishUpdate(ctx context.Context, ch channel.Channel, recordID string, state schema.RecordState) {
	_, err := ch.Publish(ctx, channel.Envelope{
		Command: schema.CommandRecordUpdate,
		Data: map[string]any{
			schema.MetaRecordID: recordID,
			"state":             string(state),
		},
	}, channel.PublishOptions{})
	if err != nil {
		r.log.Warn("publish record update", "record_id", recordID, "error", err)
	}
}
