package syncservice

import (
	"context"

	"github.com/inkwell-labs/notesync/internal/apierr"
	"github.com/inkwell-labs/notesync/internal/changelog"
	"github.com/inkwell-labs/notesync/internal/health"
)

// PushResult is the response body for a successful push request: every
// operation lands in exactly one of Applied or Conflicts.
type PushResult struct {
	Applied    []changelog.Applied  `json:"applied"`
	Conflicts  []changelog.Conflict `json:"conflicts"`
	NextCursor int64                `json:"nextCursor"`
}

// Push commits each operation in order inside its own transaction and
// publishes a real-time event per successfully applied op. The caller is
// responsible for rejecting batches over BatchLimit with BAD_REQUEST before
// reaching here (spec §6's schema validation, not a server-side truncation).
func (s *Service) Push(ctx context.Context, userID, deviceID string, ops []changelog.Operation) (PushResult, *apierr.Error) {
	cursor, err := changelog.GetCurrentCursor(ctx, s.DB, userID)
	if err != nil {
		return PushResult{}, apierr.Internal("failed to read current cursor", err)
	}

	result := PushResult{NextCursor: cursor}
	for _, op := range ops {
		r, err := s.Engine.Commit(ctx, userID, deviceID, op)
		if err != nil {
			health.WriteFailuresTotal.Inc()
			return PushResult{}, apierr.Internal("failed to commit operation", err)
		}

		switch r.Kind {
		case "applied":
			result.Applied = append(result.Applied, *r.Applied)
			if r.Applied.Cursor > result.NextCursor {
				result.NextCursor = r.Applied.Cursor
			}
			s.publish(ctx, userID, r.Applied.Cursor)
		case "conflict":
			result.Conflicts = append(result.Conflicts, *r.Conflict)
		}
	}
	return result, nil
}

// PullResult is the response body for a pull request. When ResetRequired is
// set, Changes is empty and the caller must discard its local cursor and
// re-bootstrap via Snapshot.
type PullResult struct {
	Changes               []changelog.Change `json:"changes"`
	NextCursor             int64              `json:"nextCursor"`
	ResetRequired          bool               `json:"resetRequired,omitempty"`
	ResetReason            string             `json:"resetReason,omitempty"`
	OldestAvailableCursor  int64              `json:"oldestAvailableCursor,omitempty"`
	LatestCursor           int64              `json:"latestCursor,omitempty"`
}

// Pull returns change rows after cursor, or a reset-required response if
// cursor has fallen outside the retained window.
func (s *Service) Pull(ctx context.Context, userID string, cursor int64) (PullResult, *apierr.Error) {
	window, err := changelog.GetCursorWindow(ctx, s.DB, userID)
	if err != nil {
		return PullResult{}, apierr.Internal("failed to read cursor window", err)
	}

	if window.Oldest > 0 && cursor < window.Oldest-1 {
		health.CursorResetsTotal.Inc()
		return PullResult{
			NextCursor:            window.Latest,
			ResetRequired:         true,
			ResetReason:           "CURSOR_TOO_OLD",
			OldestAvailableCursor: window.Oldest,
			LatestCursor:          window.Latest,
		}, nil
	}

	page, err := changelog.Pull(ctx, s.DB, userID, cursor, s.PullLimit)
	if err != nil {
		return PullResult{}, apierr.Internal("failed to pull changes", err)
	}
	return PullResult{Changes: page.Changes, NextCursor: page.NextCursor}, nil
}
