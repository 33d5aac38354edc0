package syncservice

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/inkwell-labs/notesync/internal/changelog"
)

func TestSnapshot_ExcludesDeletedByDefault(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	svc := newTestService(pool)
	ctx := context.Background()

	if _, apiErr := svc.Push(ctx, userID, deviceID, []changelog.Operation{
		{RequestID: "r1", Op: changelog.OpUpsert, NoteID: "keep", BaseVersion: 0, Note: &changelog.Note{Content: "keep me"}},
		{RequestID: "r2", Op: changelog.OpUpsert, NoteID: "gone", BaseVersion: 0, Note: &changelog.Note{Content: "delete me"}},
	}); apiErr != nil {
		t.Fatalf("seed push: %v", apiErr)
	}
	if _, apiErr := svc.Push(ctx, userID, deviceID, []changelog.Operation{
		{RequestID: "r3", Op: changelog.OpDelete, NoteID: "gone", BaseVersion: 1},
	}); apiErr != nil {
		t.Fatalf("delete push: %v", apiErr)
	}

	visible, apiErr := svc.Snapshot(ctx, userID, false)
	if apiErr != nil {
		t.Fatalf("snapshot: %v", apiErr)
	}
	if len(visible.Notes) != 1 || visible.Notes[0].ID != "keep" {
		t.Fatalf("expected only the non-deleted note, got %+v", visible.Notes)
	}

	all, apiErr := svc.Snapshot(ctx, userID, true)
	if apiErr != nil {
		t.Fatalf("snapshot with deleted: %v", apiErr)
	}
	if len(all.Notes) != 2 {
		t.Fatalf("expected both notes including the tombstone, got %+v", all.Notes)
	}
}
