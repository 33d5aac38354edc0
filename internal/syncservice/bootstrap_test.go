package syncservice

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-labs/notesync/internal/changelog"
)

func TestBootstrap_ImportsNotesAndRecordsCompletion(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	svc := newTestService(pool)
	ctx := context.Background()

	notes := []*changelog.Note{
		{ID: "n1", Content: "first", CreatedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "n2", Content: "second", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	result, apiErr := svc.Bootstrap(ctx, userID, deviceID, notes, "fingerprint-1")
	if apiErr != nil {
		t.Fatalf("bootstrap: %v", apiErr)
	}
	if result.AlreadyBootstrapped || result.Imported != 2 {
		t.Fatalf("expected 2 freshly imported notes, got %+v", result)
	}

	again, apiErr := svc.Bootstrap(ctx, userID, deviceID, notes, "fingerprint-1")
	if apiErr != nil {
		t.Fatalf("second bootstrap: %v", apiErr)
	}
	if !again.AlreadyBootstrapped || again.Imported != result.Imported {
		t.Fatalf("expected a no-op replay of the prior result, got %+v", again)
	}
}

func TestBootstrap_SkipsNotesThatAlreadyExist(t *testing.T) {
	pool := getTestPool(t)
	defer pool.Close()

	userID := seedUser(t, pool)
	deviceID := uuid.NewString()
	svc := newTestService(pool)
	ctx := context.Background()

	if _, apiErr := svc.Push(ctx, userID, deviceID, []changelog.Operation{
		{RequestID: "pre-existing", Op: changelog.OpUpsert, NoteID: "n1", BaseVersion: 0, Note: &changelog.Note{Content: "already here"}},
	}); apiErr != nil {
		t.Fatalf("seed push: %v", apiErr)
	}

	result, apiErr := svc.Bootstrap(ctx, userID, deviceID, []*changelog.Note{
		{ID: "n1", Content: "should be skipped"},
		{ID: "n2", Content: "new"},
	}, "fp")
	if apiErr != nil {
		t.Fatalf("bootstrap: %v", apiErr)
	}
	if result.Imported != 1 {
		t.Fatalf("expected only the new note to be imported, got %+v", result)
	}
}
