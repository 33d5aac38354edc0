package changelog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-labs/notesync/internal/db"
	"github.com/inkwell-labs/notesync/internal/db/migrations"
)

func getTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, dbURL, db.PoolConfig{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	for _, tbl := range []string{"note_change", "idempotency_key", "note", "device", "app_user"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+tbl); err != nil {
			t.Fatalf("clean %s: %v", tbl, err)
		}
	}
	return pool
}

func seedUser(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	var id string
	err := pool.QueryRow(context.Background(),
		`INSERT INTO app_user (external_id) VALUES ($1) RETURNING id`, uuid.NewString(),
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func TestEngine_CommitUpsert_NewNote(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	engine := NewEngine(pool)
	engine.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	result, err := engine.Commit(context.Background(), userID, deviceID, Operation{
		RequestID:   "req-00000001",
		Op:          OpUpsert,
		NoteID:      "note-1",
		BaseVersion: 0,
		Note:        &Note{Content: "hello"},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.Kind != "applied" {
		t.Fatalf("expected applied, got %s", result.Kind)
	}
	if result.Applied.Note.Version != 1 {
		t.Fatalf("expected version 1, got %d", result.Applied.Note.Version)
	}
	if result.Applied.Cursor == 0 {
		t.Fatalf("expected nonzero cursor")
	}
}

func TestEngine_CommitUpsert_ConflictOnStaleBaseVersion(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	engine := NewEngine(pool)

	ctx := context.Background()
	if _, err := engine.Commit(ctx, userID, deviceID, Operation{
		RequestID: "req-00000001", Op: OpUpsert, NoteID: "note-1", BaseVersion: 0,
		Note: &Note{Content: "v1"},
	}); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	result, err := engine.Commit(ctx, userID, deviceID, Operation{
		RequestID: "req-00000002", Op: OpUpsert, NoteID: "note-1", BaseVersion: 0,
		Note:                &Note{Content: "v2"},
		ClientChangedFields: []string{"content"},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.Kind != "conflict" {
		t.Fatalf("expected conflict, got %s", result.Kind)
	}
	if result.Conflict.CurrentVersion != 1 {
		t.Fatalf("expected currentVersion 1, got %d", result.Conflict.CurrentVersion)
	}
}

func TestEngine_CommitDelete_UnknownNoteSynthesizesTombstone(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	engine := NewEngine(pool)

	result, err := engine.Commit(context.Background(), userID, deviceID, Operation{
		RequestID: "req-00000003", Op: OpDelete, NoteID: "ghost", BaseVersion: 0,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.Kind != "applied" {
		t.Fatalf("expected applied, got %s", result.Kind)
	}
	if result.Applied.Note.Version != 1 || result.Applied.Note.DeletedAt == nil {
		t.Fatalf("expected a version-1 tombstone, got %+v", result.Applied.Note)
	}
}

func TestEngine_Commit_IdempotentReplay(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	engine := NewEngine(pool)
	ctx := context.Background()

	op := Operation{RequestID: "req-00000004", Op: OpUpsert, NoteID: "note-2", BaseVersion: 0, Note: &Note{Content: "x"}}
	first, err := engine.Commit(ctx, userID, deviceID, op)
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second, err := engine.Commit(ctx, userID, deviceID, op)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.Applied.Note.Version != first.Applied.Note.Version {
		t.Fatalf("replay should return identical stored response, got version %d vs %d",
			second.Applied.Note.Version, first.Applied.Note.Version)
	}
}

func TestNormalizeNote_PreservesClientSuppliedCreatedAtOnNewNote(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clientCreated := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	n := normalizeNote(&Note{Content: "x", CreatedAt: clientCreated}, nil, now, 1, "device-1")
	if !n.CreatedAt.Equal(clientCreated) {
		t.Fatalf("expected client-supplied createdAt %v to be preserved, got %v", clientCreated, n.CreatedAt)
	}
}

func TestNormalizeNote_DefaultsCreatedAtWhenZeroOnNewNote(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	n := normalizeNote(&Note{Content: "x"}, nil, now, 1, "device-1")
	if !n.CreatedAt.Equal(now) {
		t.Fatalf("expected createdAt to default to now %v, got %v", now, n.CreatedAt)
	}
}

func TestNormalizeNote_ExistingNotePreservesStoredCreatedAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	existing := &Note{Content: "old", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	n := normalizeNote(&Note{Content: "new", CreatedAt: now}, existing, now, 2, "device-1")
	if !n.CreatedAt.Equal(existing.CreatedAt) {
		t.Fatalf("expected existing createdAt %v to win over incoming, got %v", existing.CreatedAt, n.CreatedAt)
	}
}

func TestPull_CursorWindow(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	engine := NewEngine(pool)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine.Commit(ctx, userID, deviceID, Operation{
			RequestID: uuid.NewString(), Op: OpUpsert, NoteID: uuid.NewString(), BaseVersion: 0,
			Note: &Note{Content: "x"},
		}); err != nil {
			t.Fatalf("seed commit %d: %v", i, err)
		}
	}

	window, err := GetCursorWindow(ctx, pool, userID)
	if err != nil {
		t.Fatalf("cursor window: %v", err)
	}
	if window.Latest-window.Oldest != 2 {
		t.Fatalf("expected a window spanning 3 seq values, got %+v", window)
	}

	page, err := Pull(ctx, pool, userID, window.Oldest-1, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(page.Changes) != 3 {
		t.Fatalf("expected 3 changes, got %d", len(page.Changes))
	}
	if page.NextCursor != window.Latest {
		t.Fatalf("expected nextCursor %d, got %d", window.Latest, page.NextCursor)
	}
}
