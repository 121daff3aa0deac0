package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weftlabs/weft/internal/schema"
	"github.com/weftlabs/weft/internal/state"
)

var ErrNotFound = errors.New("record not found")

// Store is the append-only execution log. Records are soft-deleted, never
// removed, so history reconstruction can explain gaps.
type Store struct {
	db  *sql.DB
	log *slog.Logger

	nowFn func() time.Time
}

type Option func(*Store)

func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewStore(db *sql.DB, log *slog.Logger, opts ...Option) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		db:    db,
		log:   log,
		nowFn: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// Upsert inserts or replaces a record by ID, stamping LastModified and
// refreshing the input-edge adjacency rows. Transient per-input history is
// stripped first. If any input is already soft-deleted the record inherits
// the tombstone immediately, so a record whose ancestor was deleted out from
// under it mid-execution can never resurface as live.
func (s *Store) Upsert(ctx context.Context, rec Record) (Record, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return Record{}, fmt.Errorf("record id is required")
	}
	if strings.TrimSpace(rec.SessionID) == "" {
		return Record{}, fmt.Errorf("session_id is required")
	}
	rec.Inputs = stripTransient(rec.Inputs)
	rec.LastModified = s.now()
	if rec.EngineVersion == 0 {
		rec.EngineVersion = CurrentEngineVersion
	}

	if !rec.Deleted {
		inherited, err := s.anyDeleted(ctx, rec.InputIDs())
		if err != nil {
			return Record{}, err
		}
		if inherited {
			rec.Deleted = true
			rec.DeletedAt = rec.LastModified
		}
	}

	inputsJSON, err := state.EncodeJSON(rec.Inputs)
	if err != nil {
		return Record{}, fmt.Errorf("encode inputs: %w", err)
	}
	outputJSON, err := state.EncodeJSON(rec.Output)
	if err != nil {
		return Record{}, fmt.Errorf("encode output: %w", err)
	}
	eventsJSON, err := state.EncodeJSON(rec.EventsEmitted)
	if err != nil {
		return Record{}, fmt.Errorf("encode events: %w", err)
	}
	contextJSON, err := state.EncodeJSON(rec.Context)
	if err != nil {
		return Record{}, fmt.Errorf("encode context: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, session_id, node_instance_id, node_type, inputs, output, events_emitted,
			state, error, start_time, completion_time, last_modified, deleted, deleted_at, engine_version, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			node_instance_id = excluded.node_instance_id,
			node_type = excluded.node_type,
			inputs = excluded.inputs,
			output = excluded.output,
			events_emitted = excluded.events_emitted,
			state = excluded.state,
			error = excluded.error,
			start_time = excluded.start_time,
			completion_time = excluded.completion_time,
			last_modified = excluded.last_modified,
			deleted = excluded.deleted,
			deleted_at = excluded.deleted_at,
			engine_version = excluded.engine_version,
			context = excluded.context
	`, rec.ID, rec.SessionID, rec.NodeInstanceID, state.NullString(rec.NodeType), inputsJSON, outputJSON, eventsJSON,
		string(rec.State), state.NullString(rec.Error), state.FormatTime(rec.StartTime), state.FormatTime(rec.CompletionTime),
		state.FormatTime(rec.LastModified), boolInt(rec.Deleted), state.NullString(state.FormatTime(rec.DeletedAt)),
		rec.EngineVersion, contextJSON)
	if err != nil {
		return Record{}, fmt.Errorf("upsert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_edges WHERE record_id = ?`, rec.ID); err != nil {
		return Record{}, fmt.Errorf("clear record edges: %w", err)
	}
	for _, inputID := range rec.InputIDs() {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO record_edges (record_id, input_record_id) VALUES (?, ?)
		`, rec.ID, inputID); err != nil {
			return Record{}, fmt.Errorf("insert record edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit upsert: %w", err)
	}
	return rec, nil
}

// Patch is a partial record update. Nil fields are left untouched.
type Patch struct {
	State          *schema.RecordState
	Output         map[string]map[string]any
	EventsEmitted  []string
	Error          *string
	CompletionTime *time.Time
	Context        map[string]any
}

// UpdateGuarded applies a patch to a record. When expectedState is non-nil
// the update only applies if the stored state still equals it; a precondition
// mismatch is a silent no-op reported through the returned bool, never an
// error. This is the concurrency-control primitive that lets exactly one
// writer finish a pending record.
func (s *Store) UpdateGuarded(ctx context.Context, recordID string, patch Patch, expectedState *schema.RecordState) (bool, error) {
	sets := []string{"last_modified = ?"}
	args := []any{state.FormatTime(s.now())}

	if patch.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*patch.State))
	}
	if patch.Output != nil {
		outputJSON, err := state.EncodeJSON(patch.Output)
		if err != nil {
			return false, fmt.Errorf("encode output: %w", err)
		}
		sets = append(sets, "output = ?")
		args = append(args, outputJSON)
	}
	if patch.EventsEmitted != nil {
		eventsJSON, err := state.EncodeJSON(patch.EventsEmitted)
		if err != nil {
			return false, fmt.Errorf("encode events: %w", err)
		}
		sets = append(sets, "events_emitted = ?")
		args = append(args, eventsJSON)
	}
	if patch.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, state.NullString(*patch.Error))
	}
	if patch.CompletionTime != nil {
		sets = append(sets, "completion_time = ?")
		args = append(args, state.FormatTime(*patch.CompletionTime))
	}
	if patch.Context != nil {
		contextJSON, err := state.EncodeJSON(patch.Context)
		if err != nil {
			return false, fmt.Errorf("encode context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, contextJSON)
	}

	query := "UPDATE records SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, recordID)
	if expectedState != nil {
		query += " AND state = ?"
		args = append(args, string(*expectedState))
	}

	res, err := state.ExecReturningResult(ctx, s.db, query, args...)
	if err != nil {
		return false, fmt.Errorf("update record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update record rows affected: %w", err)
	}
	return affected > 0, nil
}

// DeleteCascade soft-deletes the record and every record transitively
// reachable from it via input edges, breadth-first with a visited set so long
// chains cannot grow the stack and diamond graphs are visited once. Returns
// the IDs tombstoned, starting record first.
func (s *Store) DeleteCascade(ctx context.Context, recordID string) ([]string, error) {
	visited := map[string]struct{}{recordID: {}}
	order := []string{recordID}
	frontier := []string{recordID}

	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		dependents, err := s.dependents(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, dep := range dependents {
			if _, ok := visited[dep]; ok {
				continue
			}
			visited[dep] = struct{}{}
			order = append(order, dep)
			frontier = append(frontier, dep)
		}
	}

	now := state.FormatTime(s.now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, id := range order {
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET deleted = 1, deleted_at = ?, last_modified = ? WHERE id = ? AND deleted = 0
		`, now, now, id); err != nil {
			return nil, fmt.Errorf("soft delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return order, nil
}

// dependents lists records that directly reference recordID as an input.
func (s *Store) dependents(ctx context.Context, recordID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id FROM record_edges WHERE input_record_id = ? ORDER BY record_id
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query dependents: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dependents: %w", err)
	}
	return out, nil
}

func (s *Store) anyDeleted(ctx context.Context, ids []string) (bool, error) {
	for _, id := range ids {
		var deleted int
		err := s.db.QueryRowContext(ctx, `SELECT deleted FROM records WHERE id = ?`, id).Scan(&deleted)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("check input %s: %w", id, err)
		}
		if deleted != 0 {
			return true, nil
		}
	}
	return false, nil
}

const recordColumns = `id, session_id, node_instance_id, node_type, inputs, output, events_emitted,
	state, error, start_time, completion_time, last_modified, deleted, deleted_at, engine_version, context`

// Get loads one record, migrating it to the current engine version if its
// stored schema is stale.
func (s *Store) Get(ctx context.Context, recordID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, recordID)
	rec, err := s.scanRecord(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return s.migrated(ctx, rec), nil
}

// AllForSession returns every record for a session, deleted ones included;
// filtering is the history compiler's job.
func (s *Store) AllForSession(ctx context.Context, sessionID string) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM records WHERE session_id = ? ORDER BY id`, sessionID)
}

// IncompleteForSession returns the session's live records still awaiting a
// terminal state.
func (s *Store) IncompleteForSession(ctx context.Context, sessionID string) ([]Record, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE session_id = ? AND deleted = 0 AND state IN (?, ?)
		ORDER BY id
	`, sessionID, string(schema.RecordPending), string(schema.RecordWaiting))
}

// OldestPendingForNodeTypes returns the oldest live non-terminal record whose
// node type is in the given set, or nil. Workers resuming a session use this
// to find where execution stopped.
func (s *Store) OldestPendingForNodeTypes(ctx context.Context, sessionID string, nodeTypes []string) (*Record, error) {
	if len(nodeTypes) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(nodeTypes)), ",")
	args := []any{sessionID, string(schema.RecordPending), string(schema.RecordWaiting)}
	for _, nt := range nodeTypes {
		args = append(args, nt)
	}
	recs, err := s.query(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE session_id = ? AND deleted = 0 AND state IN (?, ?) AND node_type IN (`+placeholders+`)
		ORDER BY start_time ASC, id ASC
		LIMIT 1
	`, args...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// ForSessionSince returns the session's records modified at or after the
// given time, the incremental-sync read path.
func (s *Store) ForSessionSince(ctx context.Context, sessionID string, since time.Time) ([]Record, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE session_id = ? AND last_modified >= ?
		ORDER BY last_modified ASC, id ASC
	`, sessionID, state.FormatTime(since))
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := s.scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s.migrated(ctx, rec))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *Store) scanRecord(scan func(dest ...any) error) (Record, error) {
	var rec Record
	var nodeTypeStr, inputsStr, outputStr, eventsStr, errStr, startStr, completionStr, deletedAtStr, contextStr sql.NullString
	var stateStr, lastModifiedStr string
	var deletedInt int
	if err := scan(&rec.ID, &rec.SessionID, &rec.NodeInstanceID, &nodeTypeStr, &inputsStr, &outputStr, &eventsStr,
		&stateStr, &errStr, &startStr, &completionStr, &lastModifiedStr, &deletedInt, &deletedAtStr,
		&rec.EngineVersion, &contextStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.NodeType = nodeTypeStr.String
	rec.Inputs = decodeInputs(inputsStr.String)
	rec.Output = decodeOutput(outputStr.String)
	rec.EventsEmitted = decodeStrings(eventsStr.String)
	rec.State = schema.ParseRecordState(stateStr)
	rec.Error = errStr.String
	rec.StartTime = state.ParseTime(startStr.String)
	rec.CompletionTime = state.ParseTime(completionStr.String)
	rec.LastModified = state.ParseTime(lastModifiedStr)
	rec.Deleted = deletedInt != 0
	rec.DeletedAt = state.ParseTime(deletedAtStr.String)
	rec.Context = state.DecodeJSONMap(contextStr.String)
	return rec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
