package records

import (
	"context"
	"testing"

	"github.com/weftlabs/weft/internal/testutil"
)

func insertLegacyRecord(t *testing.T, s *Store, id string, version int, contextJSON string) {
	t.Helper()
	_, err := s.db.Exec(`
		INSERT INTO records (id, session_id, node_instance_id, state, last_modified, engine_version, context)
		VALUES (?, 'sess-legacy', 'node-1', 'completed', '2026-01-01T00:00:00Z', ?, ?)
	`, id, version, contextJSON)
	if err != nil {
		t.Fatalf("insert legacy record: %v", err)
	}
}

func TestMigrationOnRead(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := NewStore(db, nil)
	ctx := context.Background()

	insertLegacyRecord(t, s, "legacy-1", 0, `{"node_type":"model","error":"provider timeout"}`)

	rec, err := s.Get(ctx, "legacy-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.EngineVersion != CurrentEngineVersion {
		t.Fatalf("expected migrated version %d, got %d", CurrentEngineVersion, rec.EngineVersion)
	}
	if rec.NodeType != "model" {
		t.Fatalf("v0->v1 migration did not lift node_type: %+v", rec)
	}
	if rec.Error != "provider timeout" {
		t.Fatalf("v1->v2 migration did not lift error: %+v", rec)
	}
	if _, still := rec.Context["error"]; still {
		t.Fatalf("error left behind in context")
	}

	// The migration persisted: the stored row now carries the current
	// version, so a second read does not re-migrate.
	var stored int
	if err := db.QueryRow(`SELECT engine_version FROM records WHERE id = 'legacy-1'`).Scan(&stored); err != nil {
		t.Fatalf("read stored version: %v", err)
	}
	if stored != CurrentEngineVersion {
		t.Fatalf("migration not persisted, stored version %d", stored)
	}
}

func TestMigrationIsIdempotent(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := NewStore(db, nil)
	ctx := context.Background()

	insertLegacyRecord(t, s, "legacy-2", 1, `{"error":"boom"}`)

	first, err := s.Get(ctx, "legacy-2")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	second, err := s.Get(ctx, "legacy-2")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if first.Error != "boom" || second.Error != "boom" {
		t.Fatalf("migration unstable: first=%q second=%q", first.Error, second.Error)
	}
	if first.EngineVersion != second.EngineVersion {
		t.Fatalf("version differs across reads: %d vs %d", first.EngineVersion, second.EngineVersion)
	}
}

func TestCurrentVersionRecordsAreUntouched(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := NewStore(db, nil)
	ctx := context.Background()

	insertLegacyRecord(t, s, "modern", CurrentEngineVersion, `{"node_type":"should-not-apply"}`)
	rec, err := s.Get(ctx, "modern")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.NodeType != "" {
		t.Fatalf("migration applied to current-version record: %+v", rec)
	}
}

func TestLegacyOutputShapeNormalized(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()
	s := NewStore(db, nil)
	ctx := context.Background()

	_, err := s.db.Exec(`
		INSERT INTO records (id, session_id, node_instance_id, state, output, last_modified, engine_version)
		VALUES ('legacy-out', 'sess-legacy', 'node-1', 'completed', '{"reply":"plain string"}', '2026-01-01T00:00:00Z', 0)
	`)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, err := s.Get(ctx, "legacy-out")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Output["reply"]["text"] != "plain string" {
		t.Fatalf("legacy scalar output not wrapped under text key: %+v", rec.Output)
	}
}
