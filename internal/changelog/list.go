package changelog

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ListNotes returns every note owned by userID, ordered by id, for the
// snapshot/initial-hydrate operation. includeDeleted=false filters rows
// with deletedAt set.
func ListNotes(ctx context.Context, db *pgxpool.Pool, userID string, includeDeleted bool) ([]*Note, error) {
	query := `
		SELECT id, content, title, tags, note_type, is_processed, is_completed, is_archived,
		       is_pinned, due_date_ms, priority, analysis_state, analysis_version,
		       content_hash, created_at, updated_at, version, deleted_at, last_modified_by_device
		FROM note
		WHERE user_id = $1
	`
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}
	query += " ORDER BY id"

	rows, err := db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []*Note
	for rows.Next() {
		n := &Note{UserID: userID}
		var noteType string
		var title, priority, analysisState, contentHash, lastModBy *string
		var dueDate *int64
		var analysisVersion *int
		var deletedAt *time.Time

		if err := rows.Scan(&n.ID, &n.Content, &title, &n.Tags, &noteType, &n.IsProcessed,
			&n.IsCompleted, &n.IsArchived, &n.IsPinned, &dueDate, &priority, &analysisState,
			&analysisVersion, &contentHash, &n.CreatedAt, &n.UpdatedAt, &n.Version, &deletedAt,
			&lastModBy); err != nil {
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
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
