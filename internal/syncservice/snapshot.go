package syncservice

import (
	"context"

	"github.com/inkwell-labs/notesync/internal/apierr"
	"github.com/inkwell-labs/notesync/internal/changelog"
)

// SnapshotResult is the response body for initial hydrate.
type SnapshotResult struct {
	Notes  []*changelog.Note `json:"notes"`
	Cursor int64             `json:"cursor"`
}

// Snapshot returns every note owned by userID (optionally including
// tombstones) alongside the cursor a subsequent pull should start from.
func (s *Service) Snapshot(ctx context.Context, userID string, includeDeleted bool) (SnapshotResult, *apierr.Error) {
	cursor, err := changelog.GetCurrentCursor(ctx, s.DB, userID)
	if err != nil {
		return SnapshotResult{}, apierr.Internal("failed to read cursor", err)
	}

	notes, err := changelog.ListNotes(ctx, s.DB, userID, includeDeleted)
	if err != nil {
		return SnapshotResult{}, apierr.Internal("failed to list notes", err)
	}
	if notes == nil {
		notes = []*changelog.Note{}
	}

	return SnapshotResult{Notes: notes, Cursor: cursor}, nil
}
