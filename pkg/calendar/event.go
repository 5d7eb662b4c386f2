package calendar

import (
	"time"

	"github.com/google/uuid"
)

// EventRecord is the locally cached view of a calendar event plus its sync
// metadata. LocalId is the stable identity; RemoteId stays empty until the
// record has been pushed to the provider at least once.
type EventRecord struct {
	LocalId    uuid.UUID
	CalendarId string
	RemoteId   string

	Title     string
	StartTime time.Time
	EndTime   time.Time
	Timezone  string
	Attendees []string

	// RemoteVersion is the provider's opaque etag for the last confirmed
	// remote state. Writes are conditional on it.
	RemoteVersion string
	// LocalVersion increments on every local mutation.
	LocalVersion int64
	// Dirty marks a local change not yet confirmed remote.
	Dirty bool
	// Deleted is a tombstone; the record propagates its deletion on the
	// next push and stays hidden from queries.
	Deleted bool
	// SyncFailed marks a record whose pending mutation was surfaced as
	// failed; the user may retry the edit.
	SyncFailed bool

	LocalModifiedAt time.Time
	LastSyncedAt    time.Time
}

// MutationOp is the kind of remote write a PendingMutation performs.
type MutationOp string

const (
	OpCreate MutationOp = "create"
	OpUpdate MutationOp = "update"
	OpDelete MutationOp = "delete"
)

// PendingMutation is a queued remote write awaiting confirmation.
// Mutations for the same record are applied strictly in creation order.
type PendingMutation struct {
	Id            int64
	LocalId       uuid.UUID
	Op            MutationOp
	CreatedAt     time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Failed        bool
}

// SyncedCalendar is a calendar enrolled for synchronization, together with
// its incremental-sync cursor.
type SyncedCalendar struct {
	UserId     int
	CalendarId string
	Summary    string
	Cursor     string
	Enabled    bool
}
