package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/idgen"
	"github.com/weftlabs/weft/internal/schema"
	"github.com/weftlabs/weft/internal/state"
)

var ErrTaskNotFound = errors.New("task not found")

// Task is a unit of queued work requesting that a session be advanced.
// Claimed exactly once per attempt; immutable once complete.
type Task struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	AccountID   string           `json:"account_id,omitempty"`
	RequestType string           `json:"request_type"`
	Params      map[string]any   `json:"params,omitempty"`
	State       schema.TaskState `json:"state"`
	ClaimedBy   *Claim           `json:"claimed_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Claim identifies the worker thread that holds a task.
type Claim struct {
	MachineID string `json:"machine_id"`
	ThreadID  string `json:"thread_id"`
}

// Manager owns the task queue and the per-session exclusivity leases. All
// claim operations are compare-and-set statements against the database; an
// in-process lock would not help since workers run on separate machines.
type Manager struct {
	db  *sql.DB
	log *slog.Logger

	nowFn   func() time.Time
	newIDFn func() string
}

type Option func(*Manager)

func WithClock(nowFn func() time.Time) Option {
	return func(m *Manager) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

func WithIDGenerator(newIDFn func() string) Option {
	return func(m *Manager) {
		if newIDFn != nil {
			m.newIDFn = newIDFn
		}
	}
}

func NewManager(db *sql.DB, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		db:      db,
		log:     log,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: idgen.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) now() time.Time {
	return m.nowFn().UTC()
}

// Enqueue appends a queued task for the session. Ordering is insertion time
// only; racing enqueuers get no relative-order guarantee.
func (m *Manager) Enqueue(ctx context.Context, sessionID, accountID, requestType string, params map[string]any) (Task, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Task{}, fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(requestType) == "" {
		return Task{}, fmt.Errorf("request_type is required")
	}
	id := m.newIDFn()
	now := m.now()
	paramsJSON, err := state.EncodeJSON(params)
	if err != nil {
		return Task{}, fmt.Errorf("encode params: %w", err)
	}

	if err := state.ExecWithRetry(ctx, m.db, `
		INSERT INTO tasks (id, session_id, account_id, request_type, params, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, sessionID, state.NullString(accountID), requestType, paramsJSON, schema.TaskQueued,
		state.FormatTime(now), state.FormatTime(now)); err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}

	return Task{
		ID:          id,
		SessionID:   sessionID,
		AccountID:   accountID,
		RequestType: requestType,
		Params:      params,
		State:       schema.TaskQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Claim atomically takes the oldest queued task for the session and marks it
// claimed by the caller. Returns nil when no queued task remains. Losing a
// claim race is silent: the loser gets nil, not an error.
//
// The claim is a single guarded UPDATE, the same shape as ClaimSessionLease.
// A read-then-write transaction would hold a read lock while trying to
// upgrade to a write lock, which SQLite rejects under contention.
func (m *Manager) Claim(ctx context.Context, sessionID, machineID, threadID string) (*Task, error) {
	now := m.now()
	for attempt := 0; ; attempt++ {
		row := m.db.QueryRowContext(ctx, `
			UPDATE tasks SET state = ?, claimed_machine = ?, claimed_thread = ?, updated_at = ?
			WHERE id = (
				SELECT id FROM tasks
				WHERE session_id = ? AND state = ?
				ORDER BY created_at ASC, id ASC
				LIMIT 1
			) AND state = ?
			RETURNING id, session_id, account_id, request_type, params, state, claimed_machine, claimed_thread, created_at, updated_at
		`, schema.TaskClaimed, machineID, threadID, state.FormatTime(now),
			sessionID, schema.TaskQueued, schema.TaskQueued)

		task, err := scanTask(row.Scan)
		if err == nil {
			return &task, nil
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if state.IsBusyError(err) && attempt < 4 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
			}
			continue
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
}

// Complete marks a claimed task complete. Completed tasks never change again.
func (m *Manager) Complete(ctx context.Context, taskID string) error {
	now := m.now()
	res, err := m.db.ExecContext(ctx, `
		UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`, schema.TaskComplete, state.FormatTime(now), taskID, schema.TaskClaimed)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete task rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("complete task %s: not in claimed state", taskID)
	}
	return nil
}

// Get loads one task by ID.
func (m *Manager) Get(ctx context.Context, taskID string) (Task, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, session_id, account_id, request_type, params, state, claimed_machine, claimed_thread, created_at, updated_at
		FROM tasks WHERE id = ?
	`, taskID)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("load task: %w", err)
	}
	return task, nil
}

// scanTask reads one full task row in column order.
func scanTask(scan func(dest ...any) error) (Task, error) {
	var task Task
	var accountStr, paramsStr, machineStr, threadStr sql.NullString
	var stateStr, createdAtStr, updatedAtStr string
	if err := scan(&task.ID, &task.SessionID, &accountStr, &task.RequestType, &paramsStr, &stateStr,
		&machineStr, &threadStr, &createdAtStr, &updatedAtStr); err != nil {
		return Task{}, err
	}
	task.AccountID = accountStr.String
	task.Params = state.DecodeJSONMap(paramsStr.String)
	task.State = schema.TaskState(stateStr)
	if machineStr.Valid && machineStr.String != "" {
		task.ClaimedBy = &Claim{MachineID: machineStr.String, ThreadID: threadStr.String}
	}
	task.CreatedAt = state.ParseTime(createdAtStr)
	task.UpdatedAt = state.ParseTime(updatedAtStr)
	return task, nil
}

// SessionsWithQueuedTasks lists sessions that have at least one queued task.
// The pool scanner uses this to find work whose wake-up command was missed.
func (m *Manager) SessionsWithQueuedTasks(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM tasks WHERE state = ? ORDER BY session_id
	`, schema.TaskQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued sessions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued sessions: %w", err)
	}
	return out, nil
}
