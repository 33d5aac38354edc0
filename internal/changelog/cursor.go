package changelog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CursorWindow describes the range of seq values currently retained for a
// user; pull requests with a cursor older than oldest-1 must reset.
type CursorWindow struct {
	Oldest int64
	Latest int64
}

// GetCurrentCursor returns the largest committed seq for userID, or 0 if the
// user has no changes yet.
func GetCurrentCursor(ctx context.Context, db *pgxpool.Pool, userID string) (int64, error) {
	var seq *int64
	err := db.QueryRow(ctx, `SELECT max(seq) FROM note_change WHERE user_id = $1`, userID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if seq == nil {
		return 0, nil
	}
	return *seq, nil
}

// GetCursorWindow returns the oldest and latest seq currently retained for
// userID. Oldest is 0 if the user has no changes.
func GetCursorWindow(ctx context.Context, db *pgxpool.Pool, userID string) (CursorWindow, error) {
	var oldest, latest *int64
	err := db.QueryRow(ctx,
		`SELECT min(seq), max(seq) FROM note_change WHERE user_id = $1`, userID,
	).Scan(&oldest, &latest)
	if err != nil {
		return CursorWindow{}, err
	}
	var w CursorWindow
	if oldest != nil {
		w.Oldest = *oldest
	}
	if latest != nil {
		w.Latest = *latest
	}
	return w, nil
}

// PullPage is one page of change rows as returned to a puller, with the
// cursor to resume from.
type PullPage struct {
	Changes    []Change
	NextCursor int64
}

// Pull returns Change rows with seq > cursor, ordered ascending, capped at
// limit. Callers are responsible for the cursor-too-old check via
// GetCursorWindow before calling Pull.
func Pull(ctx context.Context, db *pgxpool.Pool, userID string, cursor int64, limit int) (PullPage, error) {
	rows, err := db.Query(ctx, `
		SELECT seq, note_id, op_type, payload, base_version, new_version, request_id
		FROM note_change
		WHERE user_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, userID, cursor, limit)
	if err != nil {
		return PullPage{}, err
	}
	defer rows.Close()

	page := PullPage{NextCursor: cursor}
	for rows.Next() {
		var c Change
		var payload []byte
		var opType string
		if err := rows.Scan(&c.Seq, &c.NoteID, &opType, &payload, &c.BaseVersion, &c.NewVersion, &c.RequestID); err != nil {
			return PullPage{}, err
		}
		c.OpType = OpType(opType)
		note, err := decodeChangePayload(payload)
		if err != nil {
			return PullPage{}, err
		}
		c.Note = note
		page.Changes = append(page.Changes, c)
		if c.Seq > page.NextCursor {
			page.NextCursor = c.Seq
		}
	}
	if err := rows.Err(); err != nil {
		return PullPage{}, err
	}
	return page, nil
}

// rowLockNote reads the current note with a row lock held for the
// remainder of tx, giving concurrent writers on the same (userId, noteId)
// serialized commit order.
func rowLockNote(ctx context.Context, tx pgx.Tx, userID, noteID string) (*Note, error) {
	row := tx.QueryRow(ctx, `
		SELECT content, title, tags, note_type, is_processed, is_completed, is_archived,
		       is_pinned, due_date_ms, priority, analysis_state, analysis_version,
		       content_hash, created_at, updated_at, version, deleted_at, last_modified_by_device
		FROM note
		WHERE user_id = $1 AND id = $2
		FOR UPDATE
	`, userID, noteID)

	n := &Note{UserID: userID, ID: noteID}
	var noteType string
	var title, priority, analysisState, contentHash, lastModBy *string
	var dueDate *int64
	var analysisVersion *int
	var deletedAt *time.Time

	err := row.Scan(&n.Content, &title, &n.Tags, &noteType, &n.IsProcessed, &n.IsCompleted,
		&n.IsArchived, &n.IsPinned, &dueDate, &priority, &analysisState, &analysisVersion,
		&contentHash, &n.CreatedAt, &n.UpdatedAt, &n.Version, &deletedAt, &lastModBy)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	n.Type = NoteType(noteType)
	n.Title = title
	n.DueDate = dueDate
	if priority != nil {
		p := Priority(*priority)
		n.Priority = &p
	}
	n.AnalysisState = analysisState
	n.AnalysisVersion = analysisVersion
	n.ContentHash = contentHash
	n.LastModifiedByDevice = lastModBy
	n.DeletedAt = deletedAt
	return n, nil
}
