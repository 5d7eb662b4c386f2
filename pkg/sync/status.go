package sync

import "fmt"

type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Status is the only view of a pass the UI gets: a small state enum plus a
// reason when the last pass failed. Raw transport errors never cross this
// boundary.
type Status struct {
	State  State
	Reason string
}

func (s Status) String() string {
	if s.State == StateError && s.Reason != "" {
		return fmt.Sprintf("%s:%s", s.State, s.Reason)
	}
	return string(s.State)
}

const (
	ReasonReauthRequired = "reauth_required"
	ReasonRemote         = "remote_unavailable"
	ReasonStore          = "store_failure"
)
