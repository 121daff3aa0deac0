package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/weftlabs/weft/internal/state"
)

// Lease is a time-bounded exclusivity claim on a session. At most one
// unexpired lease exists per session; that cardinality is the invariant the
// whole execution substrate leans on.
type Lease struct {
	SessionID string    `json:"session_id"`
	MachineID string    `json:"machine_id"`
	ThreadID  string    `json:"thread_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ClaimSessionLease creates a lease for the session only if no unexpired
// lease exists. The conditional upsert is a single statement, so concurrent
// callers across machines race on the database, not in memory; exactly one
// wins. A false return is the expected contention outcome, not an error.
func (m *Manager) ClaimSessionLease(ctx context.Context, sessionID, machineID, threadID string, period time.Duration) (bool, error) {
	now := m.now()
	expires := now.Add(period).UnixMilli()
	res, err := state.ExecReturningResult(ctx, m.db, `
		INSERT INTO session_leases (session_id, machine_id, thread_id, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			machine_id = excluded.machine_id,
			thread_id = excluded.thread_id,
			expires_at = excluded.expires_at
		WHERE session_leases.expires_at <= ?
	`, sessionID, machineID, threadID, expires, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("claim lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim lease rows affected: %w", err)
	}
	return affected > 0, nil
}

// RenewSessionLease extends a lease the caller still holds. Returns false if
// the lease expired or was taken by another worker in the meantime; the
// caller must stop touching the session when that happens.
func (m *Manager) RenewSessionLease(ctx context.Context, sessionID, machineID, threadID string, period time.Duration) (bool, error) {
	now := m.now()
	res, err := state.ExecReturningResult(ctx, m.db, `
		UPDATE session_leases SET expires_at = ?
		WHERE session_id = ? AND machine_id = ? AND thread_id = ? AND expires_at > ?
	`, now.Add(period).UnixMilli(), sessionID, machineID, threadID, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew lease rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseSessionLease drops the lease early so another worker can claim the
// session immediately instead of waiting out the expiration.
func (m *Manager) ReleaseSessionLease(ctx context.Context, sessionID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM session_leases WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// InvalidateLeasesForMachine force-expires every lease owned by a machine.
// Run once at process start to recover sessions orphaned by an unclean
// shutdown of this machine.
func (m *Manager) InvalidateLeasesForMachine(ctx context.Context, machineID string) (int64, error) {
	res, err := m.db.ExecContext(ctx, `DELETE FROM session_leases WHERE machine_id = ?`, machineID)
	if err != nil {
		return 0, fmt.Errorf("invalidate leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("invalidate leases rows affected: %w", err)
	}
	if affected > 0 {
		m.log.Info("invalidated stale leases", "machine_id", machineID, "count", affected)
	}
	return affected, nil
}

// LeaseHolder returns the unexpired lease for a session, if any.
func (m *Manager) LeaseHolder(ctx context.Context, sessionID string) (*Lease, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT session_id, machine_id, thread_id, expires_at
		FROM session_leases WHERE session_id = ? AND expires_at > ?
	`, sessionID, m.now().UnixMilli())
	var lease Lease
	var expiresMs int64
	if err := row.Scan(&lease.SessionID, &lease.MachineID, &lease.ThreadID, &expiresMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load lease: %w", err)
	}
	lease.ExpiresAt = time.UnixMilli(expiresMs).UTC()
	return &lease, nil
}
