// Package types defines the core data types shared across the hive substrate.
package types

import (
	"encoding/json"
	"time"
)

// Event is an append-only record in the event log. Events are the source of
// truth; every materialized table is a projection over them.
type Event struct {
	ID         int64           `json:"id"`
	Sequence   int64           `json:"sequence"` // equal to ID by construction
	Type       string          `json:"type"`
	ProjectKey string          `json:"project_key"`
	Timestamp  int64           `json:"timestamp"` // wall-clock milliseconds; not monotonic
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Event types understood by the projection engine. Unknown types are
// projected as no-ops so newer writers do not break older readers.
const (
	EventAgentRegistered     = "agent_registered"
	EventAgentActive         = "agent_active"
	EventMessageSent         = "message_sent"
	EventMessageRead         = "message_read"
	EventMessageAcked        = "message_acked"
	EventReservationAcquired = "reservation_acquired"
	EventReservationReleased = "reservation_released"
	EventReservationExpired  = "reservation_expired"
	EventLockAcquired        = "lock_acquired"
	EventLockReleased        = "lock_released"
	EventCellCreated         = "cell_created"
	EventCellUpdated         = "cell_updated"
	EventCellClosed          = "cell_closed"
	EventCellDeleted         = "cell_deleted"
	EventCellRestored        = "cell_restored"
	EventCellDepAdded        = "cell_dep_added"
	EventCellDepRemoved      = "cell_dep_removed"
	EventCellLabelAdded      = "cell_label_added"
	EventCellLabelRemoved    = "cell_label_removed"
	EventCellCommentAdded    = "cell_comment_added"
	EventCellValidated       = "cell_validated"
	EventCursorAdvanced      = "cursor_advanced"
	EventDeferredResolved    = "deferred_resolved"
)

// CellEventPrefix marks events that concern a single cell. Their data payload
// carries an "id" field identifying the cell.
const CellEventPrefix = "cell_"

// Agent is a named participant in a project's swarm.
type Agent struct {
	ProjectKey   string    `json:"project_key"`
	Name         string    `json:"name"`
	Program      string    `json:"program,omitempty"`
	Model        string    `json:"model,omitempty"`
	Task         string    `json:"task,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Importance levels for messages.
const (
	ImportanceLow    = "low"
	ImportanceNormal = "normal"
	ImportanceHigh   = "high"
	ImportanceUrgent = "urgent"
)

// Message is one inter-agent message. Recipient state lives in
// MessageRecipient rows; every message has at least one recipient.
type Message struct {
	ID          string    `json:"id"`
	ProjectKey  string    `json:"project_key"`
	FromAgent   string    `json:"from_agent"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Importance  string    `json:"importance"`
	AckRequired bool      `json:"ack_required"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageRecipient tracks per-recipient read/ack state. ReadAt and AckedAt
// advance monotonically and are never cleared.
type MessageRecipient struct {
	MessageID string     `json:"message_id"`
	AgentName string     `json:"agent_name"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
	AckedAt   *time.Time `json:"acked_at,omitempty"`
}

// Reservation is a declared intent to modify files matching a pattern.
// It is active while ReleasedAt is nil and ExpiresAt is in the future.
type Reservation struct {
	ID           string     `json:"id"`
	ProjectKey   string     `json:"project_key"`
	AgentName    string     `json:"agent_name"`
	PathPattern  string     `json:"path_pattern"`
	Exclusive    bool       `json:"exclusive"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
	LockHolderID string     `json:"lock_holder_id,omitempty"`
}

// Active reports whether the reservation is held at the given instant.
func (r *Reservation) Active(now time.Time) bool {
	return r.ReleasedAt == nil && r.ExpiresAt.After(now)
}

// Lock is a distributed mutex row. Seq is the fencing token: strictly
// increasing per resource, never reused, advancing even across steals.
type Lock struct {
	Resource   string    `json:"resource"`
	ProjectKey string    `json:"project_key"`
	Holder     string    `json:"holder"`
	Seq        int64     `json:"seq"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Cursor is a durable offset used by at-least-once consumers.
type Cursor struct {
	Stream     string    `json:"stream"`
	Checkpoint string    `json:"checkpoint"`
	Position   int64     `json:"position"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Deferred is a single-shot resolution token backed by the store.
type Deferred struct {
	URL       string    `json:"url"`
	Resolved  bool      `json:"resolved"`
	Value     string    `json:"value,omitempty"`
	Error     string    `json:"error,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Cell statuses.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusBlocked    = "blocked"
	StatusClosed     = "closed"
	StatusTombstone  = "tombstone"
)

// Cell types.
const (
	TypeBug     = "bug"
	TypeFeature = "feature"
	TypeTask    = "task"
	TypeEpic    = "epic"
	TypeChore   = "chore"
	TypeMessage = "message"
)

// ValidCellType reports whether t is a recognized cell type.
func ValidCellType(t string) bool {
	switch t {
	case TypeBug, TypeFeature, TypeTask, TypeEpic, TypeChore, TypeMessage:
		return true
	}
	return false
}

// Cell is a work item in the hive graph.
//
// Invariant: Status == "closed" exactly when ClosedAt is non-nil.
type Cell struct {
	ID           string     `json:"id"`
	ProjectKey   string     `json:"project_key"`
	Type         string     `json:"type"`
	Status       string     `json:"status"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Priority     int        `json:"priority"` // 0 (highest) .. 3
	ParentID     string     `json:"parent_id,omitempty"`
	Assignee     string     `json:"assignee,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	ClosedReason string     `json:"closed_reason,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	DeletedBy    string     `json:"deleted_by,omitempty"`
	DeleteReason string     `json:"delete_reason,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	ContentHash  string     `json:"content_hash,omitempty"`
}

// Dependency relationship kinds. Only "blocks" and "parent-child" are
// cycle-checked; the rest are informational.
const (
	DepBlocks         = "blocks"
	DepRelated        = "related"
	DepParentChild    = "parent-child"
	DepDiscoveredFrom = "discovered-from"
	DepRepliesTo      = "replies-to"
	DepRelatesTo      = "relates-to"
	DepDuplicates     = "duplicates"
	DepSupersedes     = "supersedes"
)

// ValidRelationship reports whether rel is a recognized dependency kind.
func ValidRelationship(rel string) bool {
	switch rel {
	case DepBlocks, DepRelated, DepParentChild, DepDiscoveredFrom,
		DepRepliesTo, DepRelatesTo, DepDuplicates, DepSupersedes:
		return true
	}
	return false
}

// CycleChecked reports whether edges of this kind participate in the
// reverse-reachability cycle check.
func CycleChecked(rel string) bool {
	return rel == DepBlocks || rel == DepParentChild
}

// Dependency is a directed edge: CellID depends on DependsOnID.
type Dependency struct {
	CellID       string    `json:"cell_id"`
	DependsOnID  string    `json:"depends_on_id"`
	Relationship string    `json:"relationship"`
	CreatedAt    time.Time `json:"created_at"`
}

// Comment is a cell comment. ParentID threads replies.
type Comment struct {
	ID        int64      `json:"id"`
	CellID    string     `json:"cell_id"`
	Author    string     `json:"author"`
	Body      string     `json:"body"`
	ParentID  int64      `json:"parent_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Memory is a content-addressed fact with metadata, an optional 1024-dim
// embedding, and FTS-indexed keywords.
type Memory struct {
	ID           string          `json:"id"`
	Content      string          `json:"content"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Collection   string          `json:"collection,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	DecayFactor  float64         `json:"decay_factor"`
	Embedding    []float32       `json:"-"`
	ValidFrom    *time.Time      `json:"valid_from,omitempty"`
	ValidUntil   *time.Time      `json:"valid_until,omitempty"`
	SupersededBy string          `json:"superseded_by,omitempty"`
	AutoTags     []string        `json:"auto_tags,omitempty"`
	Keywords     string          `json:"keywords,omitempty"`
}

// Memory link kinds.
const (
	LinkRelated     = "related"
	LinkContradicts = "contradicts"
	LinkSupersedes  = "supersedes"
	LinkElaborates  = "elaborates"
)

// MemoryLink is an edge between two memories. Strength stays in [0,1].
type MemoryLink struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	LinkType  string    `json:"link_type"`
	Strength  float64   `json:"strength"`
	CreatedAt time.Time `json:"created_at"`
}

// Entity is a named thing extracted from memories, unique on (name, type).
type Entity struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	EntityType    string `json:"entity_type"`
	CanonicalName string `json:"canonical_name,omitempty"`
}

// Relationship is a subject-predicate-object triple between entities,
// optionally anchored to the memory it was extracted from.
type Relationship struct {
	ID              string  `json:"id"`
	SubjectEntityID string  `json:"subject_entity_id"`
	Predicate       string  `json:"predicate"`
	ObjectEntityID  string  `json:"object_entity_id"`
	MemoryID        string  `json:"memory_id,omitempty"`
	Confidence      float64 `json:"confidence"`
}

// SearchResult is one hit from memory search. MatchType is "vector" or "fts".
type SearchResult struct {
	Memory    *Memory `json:"memory"`
	Score     float64 `json:"score"`
	MatchType string  `json:"match_type"`
}
