package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Clock lets tests inject a deterministic time source.
type Clock func() time.Time

// Engine is the change-log commit path shared by the push and bootstrap
// flows. One Engine per process, backed by the shared pool.
type Engine struct {
	DB  *pgxpool.Pool
	Now Clock
}

func NewEngine(db *pgxpool.Pool) *Engine {
	return &Engine{DB: db, Now: time.Now}
}

// Commit applies a single operation inside its own transaction: idempotency
// lookup, row-locked read, upsert-or-conflict, Change append, idempotency
// write, commit. Publishing the resulting event is the caller's
// responsibility, strictly after Commit returns successfully.
func (e *Engine) Commit(ctx context.Context, userID, deviceID string, op Operation) (Result, error) {
	if stored, ok, err := readIdempotency(ctx, e.DB, userID, op.RequestID); err != nil {
		return Result{}, err
	} else if ok {
		return stored, nil
	}

	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback(ctx)

	var result Result
	if op.Op == OpDelete {
		result, err = e.commitDelete(ctx, tx, userID, deviceID, op)
	} else {
		result, err = e.commitUpsert(ctx, tx, userID, deviceID, op)
	}
	if err != nil {
		if isUniqueViolation(err) {
			if stored, ok, rerr := readIdempotency(ctx, e.DB, userID, op.RequestID); rerr == nil && ok {
				return stored, nil
			}
		}
		return Result{}, err
	}

	if err := writeIdempotency(ctx, tx, userID, op.RequestID, result); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, err
	}

	return result, nil
}

func (e *Engine) commitUpsert(ctx context.Context, tx pgx.Tx, userID, deviceID string, op Operation) (Result, error) {
	current, err := rowLockNote(ctx, tx, userID, op.NoteID)
	if err != nil {
		return Result{}, err
	}

	currentVersion := 0
	if current != nil {
		currentVersion = current.Version
	}

	if op.BaseVersion != currentVersion {
		return Result{Kind: "conflict", Conflict: &Conflict{
			RequestID:      op.RequestID,
			NoteID:         op.NoteID,
			BaseVersion:    op.BaseVersion,
			CurrentVersion: currentVersion,
			ServerNote:     current,
			ChangedFields:  conflictChangedFields(op, current),
		}}, nil
	}

	now := e.Now().UTC()
	newVersion := currentVersion + 1

	incoming := op.Note
	if incoming == nil {
		incoming = &Note{}
	}
	normalized := normalizeNote(incoming, current, now, newVersion, deviceID)
	normalized.UserID = userID
	normalized.ID = op.NoteID

	if err := upsertNoteRow(ctx, tx, normalized); err != nil {
		return Result{}, err
	}

	seq, err := appendChange(ctx, tx, userID, op.NoteID, OpUpsert, normalized, op.BaseVersion, newVersion, op.RequestID, deviceID, now)
	if err != nil {
		return Result{}, err
	}

	return Result{Kind: "applied", Applied: &Applied{
		RequestID: op.RequestID, NoteID: op.NoteID, Note: normalized, Cursor: seq,
	}}, nil
}

func (e *Engine) commitDelete(ctx context.Context, tx pgx.Tx, userID, deviceID string, op Operation) (Result, error) {
	current, err := rowLockNote(ctx, tx, userID, op.NoteID)
	if err != nil {
		return Result{}, err
	}

	now := e.Now().UTC()

	if current == nil {
		tomb := &Note{
			UserID: userID, ID: op.NoteID, Tags: []string{}, Type: NoteTypeNote,
			CreatedAt: now, UpdatedAt: now, Version: 1, DeletedAt: &now,
			LastModifiedByDevice: &deviceID,
		}
		if err := upsertNoteRow(ctx, tx, tomb); err != nil {
			return Result{}, err
		}
		seq, err := appendChange(ctx, tx, userID, op.NoteID, OpDelete, tomb, 0, 1, op.RequestID, deviceID, now)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: "applied", Applied: &Applied{
			RequestID: op.RequestID, NoteID: op.NoteID, Note: tomb, Cursor: seq,
		}}, nil
	}

	if op.BaseVersion != current.Version {
		return Result{Kind: "conflict", Conflict: &Conflict{
			RequestID:      op.RequestID,
			NoteID:         op.NoteID,
			BaseVersion:    op.BaseVersion,
			CurrentVersion: current.Version,
			ServerNote:     current,
			ChangedFields:  conflictChangedFields(op, current),
		}}, nil
	}

	newVersion := current.Version + 1
	deleted := *current
	deleted.DeletedAt = &now
	deleted.UpdatedAt = now
	deleted.Version = newVersion
	deleted.LastModifiedByDevice = &deviceID

	if err := upsertNoteRow(ctx, tx, &deleted); err != nil {
		return Result{}, err
	}
	seq, err := appendChange(ctx, tx, userID, op.NoteID, OpDelete, &deleted, op.BaseVersion, newVersion, op.RequestID, deviceID, now)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: "applied", Applied: &Applied{
		RequestID: op.RequestID, NoteID: op.NoteID, Note: &deleted, Cursor: seq,
	}}, nil
}

// normalizeNote clamps tags, defaults the type, stamps the writer device and
// server timestamp, and preserves createdAt across updates.
func normalizeNote(incoming, existing *Note, now time.Time, version int, deviceID string) *Note {
	n := *incoming
	if len(n.Tags) > MaxTags {
		n.Tags = n.Tags[:MaxTags]
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	if n.Type == "" {
		n.Type = NoteTypeNote
	}
	n.Version = version
	n.UpdatedAt = now
	dev := deviceID
	n.LastModifiedByDevice = &dev
	n.DeletedAt = nil
	if existing != nil {
		n.CreatedAt = existing.CreatedAt
	} else if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	return &n
}

func conflictChangedFields(op Operation, server *Note) []string {
	var changed []string
	if op.BaseNote != nil {
		changed = diffChangedFields(op.BaseNote, server)
	} else {
		changed = filterWhitelist(op.ClientChangedFields)
	}
	if server != nil && server.DeletedAt != nil {
		changed = appendIfMissing(changed, "deletedAt")
	}
	return changed
}

func diffChangedFields(base, server *Note) []string {
	bm := noteToMap(base)
	sm := noteToMap(server)
	var changed []string
	for _, f := range changedFieldWhitelist {
		if !reflect.DeepEqual(bm[f], sm[f]) {
			changed = append(changed, f)
		}
	}
	return changed
}

func noteToMap(n *Note) map[string]any {
	if n == nil {
		return map[string]any{}
	}
	b, err := json.Marshal(n)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func filterWhitelist(fields []string) []string {
	allowed := make(map[string]bool, len(changedFieldWhitelist))
	for _, f := range changedFieldWhitelist {
		allowed[f] = true
	}
	var out []string
	for _, f := range fields {
		if allowed[f] {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		out = []string{"content"}
	}
	return out
}

func appendIfMissing(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func upsertNoteRow(ctx context.Context, tx pgx.Tx, n *Note) error {
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
		ON CONFLICT (user_id, id) DO UPDATE SET
			content = EXCLUDED.content,
			title = EXCLUDED.title,
			tags = EXCLUDED.tags,
			note_type = EXCLUDED.note_type,
			is_processed = EXCLUDED.is_processed,
			is_completed = EXCLUDED.is_completed,
			is_archived = EXCLUDED.is_archived,
			is_pinned = EXCLUDED.is_pinned,
			due_date_ms = EXCLUDED.due_date_ms,
			priority = EXCLUDED.priority,
			analysis_state = EXCLUDED.analysis_state,
			analysis_version = EXCLUDED.analysis_version,
			content_hash = EXCLUDED.content_hash,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version,
			deleted_at = EXCLUDED.deleted_at,
			last_modified_by_device = EXCLUDED.last_modified_by_device
	`, n.UserID, n.ID, n.Content, n.Title, n.Tags, string(n.Type), n.IsProcessed,
		n.IsCompleted, n.IsArchived, n.IsPinned, n.DueDate, priority, n.AnalysisState,
		n.AnalysisVersion, n.ContentHash, n.CreatedAt, n.UpdatedAt, n.Version, n.DeletedAt,
		n.LastModifiedByDevice)
	return err
}

type changePayload struct {
	Note *Note `json:"note"`
}

func encodeChangePayload(n *Note) ([]byte, error) {
	return json.Marshal(changePayload{Note: n})
}

// EncodeChangePayload exposes the change-log payload encoding for callers
// outside the package that append Change rows directly, such as the
// bootstrap importer.
func EncodeChangePayload(n *Note) ([]byte, error) {
	return encodeChangePayload(n)
}

func decodeChangePayload(b []byte) (*Note, error) {
	var p changePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return p.Note, nil
}

func appendChange(ctx context.Context, tx pgx.Tx, userID, noteID string, opType OpType, note *Note, baseVersion, newVersion int, requestID, deviceID string, now time.Time) (int64, error) {
	payload, err := encodeChangePayload(note)
	if err != nil {
		return 0, err
	}
	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO note_change (user_id, note_id, op_type, payload, base_version, new_version, request_id, device_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING seq
	`, userID, noteID, string(opType), payload, baseVersion, newVersion, requestID, deviceID, now).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
