package syncservice

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-labs/notesync/internal/apierr"
	"github.com/inkwell-labs/notesync/internal/changelog"
)

// MaxBootstrapNotes caps the size of a single bootstrap import request.
const MaxBootstrapNotes = 5000

// BootstrapResult is the response body for a bootstrap import request.
type BootstrapResult struct {
	Imported             int   `json:"imported"`
	AlreadyBootstrapped  bool  `json:"alreadyBootstrapped"`
	Cursor               int64 `json:"cursor"`
}

// Bootstrap performs the one-shot import of a client's pre-existing local
// notes into the change log. It is a no-op (returning the prior result) if
// the user has already bootstrapped.
func (s *Service) Bootstrap(ctx context.Context, userID, deviceID string, notes []*changelog.Note, sourceFingerprint string) (BootstrapResult, *apierr.Error) {
	if len(notes) > MaxBootstrapNotes {
		notes = notes[:MaxBootstrapNotes]
	}

	existing, err := readBootstrapRecord(ctx, s.DB, userID)
	if err != nil {
		return BootstrapResult{}, apierr.Internal("failed to read bootstrap record", err)
	}
	if existing != nil {
		return BootstrapResult{Imported: existing.ImportedCount, AlreadyBootstrapped: true, Cursor: existing.Cursor}, nil
	}

	sorted := make([]*changelog.Note, len(notes))
	copy(sorted, notes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	now := s.Now().UTC()
	imported := 0
	var cursor int64

	for _, n := range sorted {
		applied, seq, err := s.importOne(ctx, userID, deviceID, n, now)
		if err != nil {
			return BootstrapResult{}, apierr.Internal("failed to import note during bootstrap", err)
		}
		if !applied {
			continue
		}
		imported++
		cursor = seq
		s.publish(ctx, userID, seq)
	}

	if cursor == 0 {
		if c, err := changelog.GetCurrentCursor(ctx, s.DB, userID); err == nil {
			cursor = c
		}
	}

	if err := writeBootstrapRecord(ctx, s.DB, userID, imported, sourceFingerprint, cursor, now); err != nil {
		return BootstrapResult{}, apierr.Internal("failed to record bootstrap completion", err)
	}

	return BootstrapResult{Imported: imported, AlreadyBootstrapped: false, Cursor: cursor}, nil
}

// importOne inserts a single bootstrap note iff (userId, noteId) does not
// already exist, stamping version/createdAt/deviceId and appending the
// corresponding Change row inside one transaction. Returns applied=false
// when the note already existed (skipped, not an error).
func (s *Service) importOne(ctx context.Context, userID, deviceID string, n *changelog.Note, now time.Time) (applied bool, seq int64, err error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM note WHERE user_id = $1 AND id = $2)`, userID, n.ID).Scan(&exists); err != nil {
		return false, 0, err
	}
	if exists {
		return false, 0, nil
	}

	version := n.Version
	if version < 1 {
		version = 1
	}

	row := *n
	row.UserID = userID
	row.Version = version
	row.LastModifiedByDevice = &deviceID
	if row.Tags == nil {
		row.Tags = []string{}
	}
	if row.Type == "" {
		row.Type = changelog.NoteTypeNote
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	if err := insertBootstrapNote(ctx, tx, &row); err != nil {
		return false, 0, err
	}

	opType := changelog.OpUpsert
	if row.DeletedAt != nil {
		opType = changelog.OpDelete
	}

	requestID := "bootstrap:" + userID + ":" + n.ID
	newSeq, appendErr := appendBootstrapChange(ctx, tx, userID, n.ID, opType, &row, version, requestID, deviceID, now)
	if appendErr != nil {
		if isUniqueViolationErr(appendErr) {
			return false, 0, nil
		}
		return false, 0, appendErr
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, err
	}
	return true, newSeq, nil
}

func insertBootstrapNote(ctx context.Context, tx pgx.Tx, n *changelog.Note) error {
	var priority *string
	if n.Priority != nil {
		p := string(*n.Priority)
		priority = &p
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO note (user_id, id, content, title, tags, note_type, is_processed,
			is_completed, is_archived, is_pinned, due_date_ms, priority, analysis_state,
			analysis_version, content_hash, created_at, updated_at, version, deleted_at,
			last_modified_by_device)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, n.UserID, n.ID, n.Content, n.Title, n.Tags, string(n.Type), n.IsProcessed,
		n.IsCompleted, n.IsArchived, n.IsPinned, n.DueDate, priority, n.AnalysisState,
		n.AnalysisVersion, n.ContentHash, n.CreatedAt, n.UpdatedAt, n.Version, n.DeletedAt,
		n.LastModifiedByDevice)
	return err
}

func appendBootstrapChange(ctx context.Context, tx pgx.Tx, userID, noteID string, opType changelog.OpType, note *changelog.Note, version int, requestID, deviceID string, now time.Time) (int64, error) {
	payload, err := changelog.EncodeChangePayload(note)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO note_change (user_id, note_id, op_type, payload, base_version, new_version, request_id, device_id, created_at)
		VALUES ($1,$2,$3,$4,0,$5,$6,$7,$8)
		RETURNING seq
	`, userID, noteID, string(opType), payload, version, requestID, deviceID, now).Scan(&seq)
	return seq, err
}

type bootstrapRecord struct {
	ImportedCount int
	Cursor        int64
}

func readBootstrapRecord(ctx context.Context, db *pgxpool.Pool, userID string) (*bootstrapRecord, error) {
	var rec bootstrapRecord
	err := db.QueryRow(ctx, `SELECT imported_count, cursor_after_import FROM sync_bootstrap WHERE user_id = $1`, userID).Scan(&rec.ImportedCount, &rec.Cursor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func writeBootstrapRecord(ctx context.Context, db *pgxpool.Pool, userID string, imported int, fingerprint string, cursor int64, now time.Time) error {
	_, err := db.Exec(ctx, `
		INSERT INTO sync_bootstrap (user_id, imported_count, source_fingerprint, cursor_after_import, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, imported, fingerprint, cursor, now)
	return err
}

func isUniqueViolationErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
