// Package changelog implements the per-user monotonic operation log: the
// optimistic-concurrency commit path for note mutations, cursor pagination,
// and the idempotency store that rides along in the same transaction. The
// transaction-scoped upsert-then-readback shape is carried over from the
// note push path this was adapted from; the conflict model is new.
package changelog

import "time"

// NoteType enumerates the allowed note classifications.
type NoteType string

const (
	NoteTypeNote NoteType = "NOTE"
	NoteTypeTask NoteType = "TASK"
	NoteTypeIdea NoteType = "IDEA"
)

// Priority enumerates the allowed note priorities.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Note is the full persisted state of a single note row.
type Note struct {
	UserID               string     `json:"-"`
	ID                   string     `json:"id"`
	Content              string     `json:"content"`
	Title                *string    `json:"title,omitempty"`
	Tags                 []string   `json:"tags"`
	Type                 NoteType   `json:"type"`
	IsProcessed          bool       `json:"isProcessed"`
	IsCompleted          bool       `json:"isCompleted"`
	IsArchived           bool       `json:"isArchived"`
	IsPinned             bool       `json:"isPinned"`
	DueDate              *int64     `json:"dueDate,omitempty"`
	Priority             *Priority  `json:"priority,omitempty"`
	AnalysisState        *string    `json:"analysisState,omitempty"`
	AnalysisVersion      *int       `json:"analysisVersion,omitempty"`
	ContentHash          *string    `json:"contentHash,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	Version              int        `json:"version"`
	DeletedAt            *time.Time `json:"deletedAt,omitempty"`
	LastModifiedByDevice *string    `json:"lastModifiedByDeviceId,omitempty"`
}

// MaxTags is the clamp applied to incoming tag lists.
const MaxTags = 20

// OpType enumerates change-log operation kinds.
type OpType string

const (
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
)

// Operation is a single client-submitted push item.
type Operation struct {
	RequestID           string         `json:"requestId"`
	Op                  OpType         `json:"op"`
	NoteID              string         `json:"noteId"`
	BaseVersion         int            `json:"baseVersion"`
	Note                *Note          `json:"note,omitempty"`
	BaseNote            *Note          `json:"baseNote,omitempty"`
	ClientChangedFields []string       `json:"clientChangedFields,omitempty"`
	AutoMergeAttempted  bool           `json:"autoMergeAttempted,omitempty"`
}

// Change is a single row of the append-only per-user log.
type Change struct {
	Seq         int64     `json:"cursor"`
	UserID      string    `json:"-"`
	NoteID      string    `json:"noteId"`
	OpType      OpType    `json:"op"`
	Note        *Note     `json:"note,omitempty"`
	BaseVersion int       `json:"baseVersion"`
	NewVersion  int       `json:"newVersion"`
	RequestID   string    `json:"requestId"`
	DeviceID    string    `json:"-"`
	CreatedAt   time.Time `json:"-"`
}

// Conflict is the payload returned when an operation's baseVersion is stale.
type Conflict struct {
	RequestID      string   `json:"requestId"`
	NoteID         string   `json:"noteId"`
	BaseVersion    int      `json:"baseVersion"`
	CurrentVersion int      `json:"currentVersion"`
	ServerNote     *Note    `json:"serverNote"`
	ChangedFields  []string `json:"changedFields"`
}

// Applied is the payload returned when an operation committed cleanly.
type Applied struct {
	RequestID string `json:"requestId"`
	NoteID    string `json:"noteId"`
	Note      *Note  `json:"note"`
	Cursor    int64  `json:"cursor"`
}

// Result is the tagged outcome of processing a single operation, mirroring
// the idempotency store's {kind, payload} envelope so it can be persisted
// and replayed verbatim.
type Result struct {
	Kind     string    `json:"kind"` // "applied" | "conflict"
	Applied  *Applied  `json:"applied,omitempty"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

// changedFieldWhitelist is the fixed set of fields compared when deriving a
// conflict's changedFields, per the field-level conflict reporting contract.
var changedFieldWhitelist = []string{
	"content", "title", "tags", "type", "isProcessed", "isCompleted",
	"isArchived", "isPinned", "dueDate", "priority", "analysisState",
	"analysisVersion", "contentHash", "deletedAt",
}
