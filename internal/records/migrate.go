package records

import (
	"context"

	"github.com/weftlabs/weft/internal/state"
)

// CurrentEngineVersion is the schema version stamped on new records.
const CurrentEngineVersion = 2

// migrations[i] migrates a record from engine version i to i+1. Each step
// must be idempotent: a record that lost the persist race re-migrates on its
// next read with the same result.
var migrations = []func(*Record){
	// v0 -> v1: early records kept the node type inside the execution
	// context instead of its own column.
	func(r *Record) {
		if r.NodeType == "" {
			if nt, ok := r.Context["node_type"].(string); ok {
				r.NodeType = nt
			}
		}
	},
	// v1 -> v2: node failures were stored in the execution context; lift
	// them onto the record itself.
	func(r *Record) {
		if r.Error == "" {
			if msg, ok := r.Context["error"].(string); ok {
				r.Error = msg
				delete(r.Context, "error")
			}
		}
	},
}

// migrated brings a stale record up to CurrentEngineVersion and persists the
// migrated view best-effort. Persistence is eventually consistent with the
// triggering read: the caller always gets the migrated record, and a lost
// write only means the same idempotent migration reruns next read. The
// engine_version guard keeps concurrent readers from double-applying.
func (s *Store) migrated(ctx context.Context, rec Record) Record {
	if rec.EngineVersion >= CurrentEngineVersion {
		return rec
	}
	fromVersion := rec.EngineVersion
	for v := fromVersion; v < CurrentEngineVersion && v < len(migrations); v++ {
		migrations[v](&rec)
	}
	rec.EngineVersion = CurrentEngineVersion

	outputJSON, err := state.EncodeJSON(rec.Output)
	if err != nil {
		return rec
	}
	contextJSON, err := state.EncodeJSON(rec.Context)
	if err != nil {
		return rec
	}
	err = state.ExecWithRetry(ctx, s.db, `
		UPDATE records SET node_type = ?, output = ?, error = ?, context = ?, engine_version = ?
		WHERE id = ? AND engine_version = ?
	`, state.NullString(rec.NodeType), outputJSON, state.NullString(rec.Error), contextJSON,
		CurrentEngineVersion, rec.ID, fromVersion)
	if err != nil {
		s.log.Warn("persist record migration failed", "record_id", rec.ID, "from_version", fromVersion, "error", err)
	}
	return rec
}
