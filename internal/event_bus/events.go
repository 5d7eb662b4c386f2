package event_bus

const (
	// EventRecordModified is published on every local create/update/delete
	// so the sync scheduler can wake up.
	EventRecordModified EventType = "calendar.record.modified"
	// SyncStarted is published when a reconciliation pass begins.
	SyncStarted EventType = "sync.started"
	// SyncFinished is published after a reconciliation pass completes.
	SyncFinished EventType = "sync.finished"
	// SyncFailed is published when a reconciliation pass aborts.
	SyncFailed EventType = "sync.failed"
)

type RecordModified struct {
	UserId     int
	CalendarId string
}

type SyncResult struct {
	UserId     int
	CalendarId string
	Pulled     int
	Pushed     int
	Conflicts  int
	Reason     string
}
