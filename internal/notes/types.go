package notes

import (
	"time"
)

// SyncState is the per-note replication state. It replaces the integer
// is_dirty flag: a pending state is a note the remote has not confirmed yet.
type SyncState string

const (
	// StateClean means the stored revision matches the remote copy.
	StateClean SyncState = "clean"
	// StatePendingUpload means the local text has not been confirmed remotely.
	StatePendingUpload SyncState = "pending_upload"
	// StatePendingDelete marks a tombstone whose remote delete is outstanding.
	StatePendingDelete SyncState = "pending_delete"
)

// Valid reports whether s is one of the known states.
func (s SyncState) Valid() bool {
	switch s {
	case StateClean, StatePendingUpload, StatePendingDelete:
		return true
	}
	return false
}

// Pending reports whether the state still owes work to the remote side.
func (s SyncState) Pending() bool {
	return s == StatePendingUpload || s == StatePendingDelete
}

// ResolutionMode tells the resolver how a remote delta was derived.
type ResolutionMode int

const (
	// ModeTimestamp deltas are bounded by modification timestamps (snapshot backend).
	ModeTimestamp ResolutionMode = iota
	// ModeRevision deltas are derived by diffing revision tokens (per-note backend).
	ModeRevision
)

func (m ResolutionMode) String() string {
	switch m {
	case ModeTimestamp:
		return "timestamp"
	case ModeRevision:
		return "revision"
	default:
		return "unknown"
	}
}

// Note is one plain-text note.
type Note struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Revision is the remote optimistic-concurrency token. Empty means the
	// note is not yet known to exist remotely.
	Revision string    `json:"revision,omitempty"`
	State    SyncState `json:"state,omitempty"`
}

// Dirty reports whether the note's latest text is unconfirmed remotely.
func (n Note) Dirty() bool {
	return n.State == StatePendingUpload
}

// EverSynced reports whether the note has ever been confirmed by the remote.
func (n Note) EverSynced() bool {
	return n.Revision != ""
}

// Tombstone records that a note id was deleted on a replica.
type Tombstone struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deleted_at"`
	// Revision is the last known remote revision at the time of deletion.
	Revision string    `json:"revision,omitempty"`
	State    SyncState `json:"state,omitempty"`
}

// Delta is the set of changes one replica accumulated since a watermark.
// Modified never contains an id that is also in Deleted.
type Delta struct {
	Modified []Note
	Deleted  []Tombstone
	Mode     ResolutionMode
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.Modified) == 0 && len(d.Deleted) == 0
}

// Operation is the kind of a deferred remote-side operation.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// PendingOperation is one Retry Queue entry.
type PendingOperation struct {
	Seq       int64
	Op        Operation
	NoteID    string
	Payload   string // revision token for deletes, empty otherwise
	CreatedAt time.Time
	// RetryCount counts failed attempts so far.
	RetryCount int
	LastError  string
}

// UnixMilli converts a timestamp to the persisted form.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMilli converts a persisted timestamp back to UTC time.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Truncate normalizes t to the persisted millisecond precision.
func Truncate(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}
