package syncservice

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-labs/notesync/internal/changelog"
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
	for _, tbl := range []string{"note_change", "idempotency_key", "sync_bootstrap", "note", "device", "app_user"} {
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

func newTestService(pool *pgxpool.Pool) *Service {
	return New(pool, changelog.NewEngine(pool), nil, 100, 500)
}

func TestPush_AppliesAndConflicts(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	svc := newTestService(pool)
	ctx := context.Background()

	result, apiErr := svc.Push(ctx, userID, deviceID, []changelog.Operation{
		{RequestID: "r1", Op: changelog.OpUpsert, NoteID: "n1", BaseVersion: 0, Note: &changelog.Note{Content: "hello"}},
	})
	if apiErr != nil {
		t.Fatalf("push: %v", apiErr)
	}
	if len(result.Applied) != 1 || len(result.Conflicts) != 0 {
		t.Fatalf("expected a single applied op, got %+v", result)
	}
	if result.NextCursor != result.Applied[0].Cursor {
		t.Fatalf("expected nextCursor to track the applied cursor")
	}

	conflictResult, apiErr := svc.Push(ctx, userID, deviceID, []changelog.Operation{
		{RequestID: "r2", Op: changelog.OpUpsert, NoteID: "n1", BaseVersion: 0, Note: &changelog.Note{Content: "stale"}},
	})
	if apiErr != nil {
		t.Fatalf("push: %v", apiErr)
	}
	if len(conflictResult.Conflicts) != 1 {
		t.Fatalf("expected a conflict for stale baseVersion, got %+v", conflictResult)
	}
}

func TestPush_AppliesFullBatchRegardlessOfBatchLimit(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	svc := newTestService(pool)
	svc.BatchLimit = 2
	ctx := context.Background()

	ops := []changelog.Operation{
		{RequestID: "a", Op: changelog.OpUpsert, NoteID: "n1", BaseVersion: 0, Note: &changelog.Note{Content: "1"}},
		{RequestID: "b", Op: changelog.OpUpsert, NoteID: "n2", BaseVersion: 0, Note: &changelog.Note{Content: "2"}},
		{RequestID: "c", Op: changelog.OpUpsert, NoteID: "n3", BaseVersion: 0, Note: &changelog.Note{Content: "3"}},
	}
	result, apiErr := svc.Push(ctx, userID, deviceID, ops)
	if apiErr != nil {
		t.Fatalf("push: %v", apiErr)
	}
	if len(result.Applied) != 3 {
		t.Fatalf("expected all 3 ops applied (batch-size rejection is an HTTP-layer concern), got %+v", result)
	}
}

func TestPull_ReturnsResetRequiredBeyondRetainedWindow(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	svc := newTestService(pool)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, apiErr := svc.Push(ctx, userID, deviceID, []changelog.Operation{
			{RequestID: uuid.NewString(), Op: changelog.OpUpsert, NoteID: uuid.NewString(), BaseVersion: 0, Note: &changelog.Note{Content: "x"}},
		}); apiErr != nil {
			t.Fatalf("seed push %d: %v", i, apiErr)
		}
	}

	// Prune the oldest change out from under the cursor to simulate retention
	// having passed.
	if _, err := pool.Exec(ctx, `DELETE FROM note_change WHERE seq = (SELECT min(seq) FROM note_change WHERE user_id = $1)`, userID); err != nil {
		t.Fatalf("simulate retention prune: %v", err)
	}

	result, apiErr := svc.Pull(ctx, userID, 0)
	if apiErr != nil {
		t.Fatalf("pull: %v", apiErr)
	}
	if !result.ResetRequired || len(result.Changes) != 0 {
		t.Fatalf("expected a reset with no changes after prune, got %+v", result)
	}
}

func TestPull_ReturnsChangesSinceCursor(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	svc := newTestService(pool)
	ctx := context.Background()

	push, apiErr := svc.Push(ctx, userID, deviceID, []changelog.Operation{
		{RequestID: "r1", Op: changelog.OpUpsert, NoteID: "n1", BaseVersion: 0, Note: &changelog.Note{Content: "hello"}},
	})
	if apiErr != nil {
		t.Fatalf("push: %v", apiErr)
	}

	result, apiErr := svc.Pull(ctx, userID, 0)
	if apiErr != nil {
		t.Fatalf("pull: %v", apiErr)
	}
	if result.ResetRequired || len(result.Changes) != 1 {
		t.Fatalf("expected one change since cursor 0, got %+v", result)
	}
	if result.NextCursor != push.NextCursor {
		t.Fatalf("expected nextCursor %d, got %d", push.NextCursor, result.NextCursor)
	}
}
