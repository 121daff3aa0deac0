package records

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/weftlabs/weft/internal/schema"
	"github.com/weftlabs/weft/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, *sql.DB, func()) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	return NewStore(db, nil), db, closeFn
}

func mustUpsert(t *testing.T, s *Store, rec Record) Record {
	t.Helper()
	out, err := s.Upsert(context.Background(), rec)
	if err != nil {
		t.Fatalf("upsert %s: %v", rec.ID, err)
	}
	return out
}

func TestGuardedUpdatePreconditionMismatchIsNoOp(t *testing.T) {
	s, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	mustUpsert(t, s, Record{
		ID:             "rec-1",
		SessionID:      "sess-1",
		NodeInstanceID: "node-1",
		State:          schema.RecordCompleted,
		Output:         map[string]map[string]any{"out": {"text": "done"}},
	})

	// Guard expects pending but the record is completed: silent no-op.
	failed := schema.RecordFailed
	pending := schema.RecordPending
	applied, err := s.UpdateGuarded(ctx, "rec-1", Patch{State: &failed}, &pending)
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if applied {
		t.Fatalf("expected precondition mismatch to be a no-op")
	}

	rec, err := s.Get(ctx, "rec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != schema.RecordCompleted {
		t.Fatalf("record changed despite failed guard: %s", rec.State)
	}
	if rec.Output["out"]["text"] != "done" {
		t.Fatalf("output changed despite failed guard")
	}
}

func TestGuardedUpdateAppliesOnMatch(t *testing.T) {
	s, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	mustUpsert(t, s, Record{
		ID:             "rec-2",
		SessionID:      "sess-1",
		NodeInstanceID: "node-1",
		State:          schema.RecordPending,
		StartTime:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})

	completed := schema.RecordCompleted
	pending := schema.RecordPending
	doneAt := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	applied, err := s.UpdateGuarded(ctx, "rec-2", Patch{
		State:          &completed,
		Output:         map[string]map[string]any{"out": {"text": "hello"}},
		CompletionTime: &doneAt,
	}, &pending)
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if !applied {
		t.Fatalf("expected update to apply")
	}

	// Only one of two racing finishers can win the same guard.
	applied, err = s.UpdateGuarded(ctx, "rec-2", Patch{State: &completed}, &pending)
	if err != nil {
		t.Fatalf("second guarded update: %v", err)
	}
	if applied {
		t.Fatalf("expected second finisher to lose the guard")
	}

	rec, err := s.Get(ctx, "rec-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != schema.RecordCompleted || !rec.CompletionTime.Equal(doneAt) {
		t.Fatalf("unexpected record after update: %+v", rec)
	}
}

func TestDeleteCascadeClosure(t *testing.T) {
	s, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	// root -> a -> b, root -> c, and an unrelated record d.
	// A diamond: e depends on both a and c.
	mustUpsert(t, s, Record{ID: "root", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted})
	mustUpsert(t, s, Record{ID: "a", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted,
		Inputs: []InputRef{{RecordID: "root"}}})
	mustUpsert(t, s, Record{ID: "b", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted,
		Inputs: []InputRef{{RecordID: "a"}}})
	mustUpsert(t, s, Record{ID: "c", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted,
		Inputs: []InputRef{{RecordID: "root"}}})
	mustUpsert(t, s, Record{ID: "d", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted})
	mustUpsert(t, s, Record{ID: "e", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted,
		Inputs: []InputRef{{RecordID: "a"}, {RecordID: "c"}}})

	affected, err := s.DeleteCascade(ctx, "a")
	if err != nil {
		t.Fatalf("delete cascade: %v", err)
	}

	wantDeleted := map[string]bool{"a": true, "b": true, "e": true}
	if len(affected) != len(wantDeleted) {
		t.Fatalf("expected %d affected, got %v", len(wantDeleted), affected)
	}
	for _, id := range affected {
		if !wantDeleted[id] {
			t.Fatalf("unexpected id in closure: %s", id)
		}
	}

	for _, id := range []string{"root", "a", "b", "c", "d", "e"} {
		rec, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if rec.Deleted != wantDeleted[id] {
			t.Fatalf("record %s: deleted=%v, want %v", id, rec.Deleted, wantDeleted[id])
		}
		if wantDeleted[id] && rec.DeletedAt.IsZero() {
			t.Fatalf("record %s tombstoned without deleted_at", id)
		}
	}
}

func TestDeleteCascadeTraversesDeletedIntermediates(t *testing.T) {
	s, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	mustUpsert(t, s, Record{ID: "x", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted})
	mustUpsert(t, s, Record{ID: "y", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted,
		Inputs: []InputRef{{RecordID: "x"}}, Deleted: true, DeletedAt: time.Now().UTC()})
	mustUpsert(t, s, Record{ID: "z", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted,
		Inputs: []InputRef{{RecordID: "y"}}})

	// z was tombstoned at upsert because its input y is deleted.
	zRec, err := s.Get(ctx, "z")
	if err != nil {
		t.Fatalf("get z: %v", err)
	}
	if !zRec.Deleted {
		t.Fatalf("expected z to inherit y's tombstone on upsert")
	}

	// Deleting x must still walk through the already-deleted y to reach z.
	affected, err := s.DeleteCascade(ctx, "x")
	if err != nil {
		t.Fatalf("delete cascade: %v", err)
	}
	found := map[string]bool{}
	for _, id := range affected {
		found[id] = true
	}
	for _, id := range []string{"x", "y", "z"} {
		if !found[id] {
			t.Fatalf("closure missing %s: %v", id, affected)
		}
	}
}

func TestUpsertStripsInputHistory(t *testing.T) {
	s, db, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	mustUpsert(t, s, Record{ID: "up", SessionID: "s", NodeInstanceID: "n", State: schema.RecordCompleted})
	mustUpsert(t, s, Record{
		ID: "down", SessionID: "s", NodeInstanceID: "n", State: schema.RecordPending,
		Inputs: []InputRef{{
			RecordID: "up",
			Port:     "in",
			History:  []map[string]any{{"role": "user", "content": "a very long transcript"}},
		}},
	})

	var inputsStr string
	if err := db.QueryRow(`SELECT inputs FROM records WHERE id = 'down'`).Scan(&inputsStr); err != nil {
		t.Fatalf("read stored inputs: %v", err)
	}
	if strings.Contains(inputsStr, "transcript") {
		t.Fatalf("stored inputs still carry history payload: %s", inputsStr)
	}

	rec, err := s.Get(ctx, "down")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.Inputs) != 1 || rec.Inputs[0].RecordID != "up" || rec.Inputs[0].Port != "in" {
		t.Fatalf("input ref lost in strip: %+v", rec.Inputs)
	}
	if rec.Inputs[0].History != nil {
		t.Fatalf("history persisted: %+v", rec.Inputs[0].History)
	}
}

func TestQueriesAndIncomplete(t *testing.T) {
	s, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mustUpsert(t, s, Record{ID: "r1", SessionID: "s1", NodeInstanceID: "n", NodeType: "model",
		State: schema.RecordCompleted, StartTime: base})
	mustUpsert(t, s, Record{ID: "r2", SessionID: "s1", NodeInstanceID: "n", NodeType: "user_input",
		State: schema.RecordWaiting, StartTime: base.Add(time.Minute)})
	mustUpsert(t, s, Record{ID: "r3", SessionID: "s1", NodeInstanceID: "n", NodeType: "model",
		State: schema.RecordPending, StartTime: base.Add(2 * time.Minute)})
	mustUpsert(t, s, Record{ID: "r4", SessionID: "s2", NodeInstanceID: "n", NodeType: "model",
		State: schema.RecordPending})

	all, err := s.AllForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records for s1, got %d", len(all))
	}

	incomplete, err := s.IncompleteForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("incomplete: %v", err)
	}
	if len(incomplete) != 2 {
		t.Fatalf("expected 2 incomplete, got %d", len(incomplete))
	}

	oldest, err := s.OldestPendingForNodeTypes(ctx, "s1", []string{"user_input", "model"})
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if oldest == nil || oldest.ID != "r2" {
		t.Fatalf("expected r2 as oldest pending, got %+v", oldest)
	}

	oldest, err = s.OldestPendingForNodeTypes(ctx, "s1", []string{"model"})
	if err != nil {
		t.Fatalf("oldest model: %v", err)
	}
	if oldest == nil || oldest.ID != "r3" {
		t.Fatalf("expected r3 for model-only filter, got %+v", oldest)
	}

	none, err := s.OldestPendingForNodeTypes(ctx, "s1", nil)
	if err != nil || none != nil {
		t.Fatalf("expected nil for empty type set, got %+v err=%v", none, err)
	}
}

func TestOldestPendingSubsecondStartTimes(t *testing.T) {
	s, _, closeFn := newTestStore(t)
	defer closeFn()
	ctx := context.Background()

	// Start times whose fractional seconds would mis-sort if trailing
	// zeros were trimmed from the stored strings.
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mustUpsert(t, s, Record{ID: "later", SessionID: "s1", NodeInstanceID: "n", NodeType: "model",
		State: schema.RecordPending, StartTime: base.Add(510 * time.Millisecond)})
	mustUpsert(t, s, Record{ID: "earlier", SessionID: "s1", NodeInstanceID: "n", NodeType: "model",
		State: schema.RecordPending, StartTime: base.Add(500 * time.Millisecond)})

	oldest, err := s.OldestPendingForNodeTypes(ctx, "s1", []string{"model"})
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if oldest == nil || oldest.ID != "earlier" {
		t.Fatalf("expected record started at .5s before .51s, got %+v", oldest)
	}
}

func TestForSessionSince(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := NewStore(db, nil, WithClock(func() time.Time { return now }))

	mustUpsert(t, s, Record{ID: "old", SessionID: "s1", NodeInstanceID: "n", State: schema.RecordCompleted})
	now = now.Add(time.Hour)
	mustUpsert(t, s, Record{ID: "new", SessionID: "s1", NodeInstanceID: "n", State: schema.RecordCompleted})

	recent, err := s.ForSessionSince(ctx, "s1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "new" {
		t.Fatalf("expected only the newer record, got %+v", recent)
	}
}
