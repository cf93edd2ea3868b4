package blockjob

import "fmt"

// State is a job's position in its lifecycle. Jobs only move forward:
// new → running → ready → pivoting → a terminal state, with pending as an
// optional hold point before concluding.
type State int

const (
	StateNew State = iota
	StateRunning
	StateReady
	StatePivoting
	StatePending
	StateConcluded
	StateFailed
	StateCancelled
)

var stateNames = map[State]string{
	StateNew:       "new",
	StateRunning:   "running",
	StateReady:     "ready",
	StatePivoting:  "pivoting",
	StatePending:   "pending",
	StateConcluded: "concluded",
	StateFailed:    "failed",
	StateCancelled: "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState maps a state name back to its value. Names come from
// persisted job records.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return StateNew, fmt.Errorf("unknown job state %q", name)
}

// Terminal reports whether the job is finished and will not change again.
func (s State) Terminal() bool {
	switch s {
	case StateConcluded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Type names the operation a job performs. The controller starts pull,
// commit, active-commit, copy, backup and create jobs; the remaining
// values exist so jobs found in a restored VM's job list can still be
// named in status output.
type Type int

const (
	TypeNone Type = iota
	TypePull
	TypeCommit
	TypeActiveCommit
	TypeCopy
	TypeBackup
	TypeCreate
	TypeInternal
	TypeSnapshotSave
	TypeSnapshotDelete
	TypeSnapshotLoad
)

var typeNames = map[Type]string{
	TypeNone:           "none",
	TypePull:           "pull",
	TypeCommit:         "commit",
	TypeActiveCommit:   "active-commit",
	TypeCopy:           "copy",
	TypeBackup:         "backup",
	TypeCreate:         "create",
	TypeInternal:       "internal",
	TypeSnapshotSave:   "snapshot-save",
	TypeSnapshotDelete: "snapshot-delete",
	TypeSnapshotLoad:   "snapshot-load",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType maps a type name back to its value. Names come from persisted
// job records.
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return TypeNone, fmt.Errorf("unknown job type %q", name)
}

// Pivots reports whether the type finishes through an explicit pivot
// rather than concluding on its own.
func (t Type) Pivots() bool {
	return t == TypeCopy || t == TypeActiveCommit
}
