package blockjob

import (
	"time"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/naming"
)

// Job tracks one long-running block operation on one disk. Fields are
// written by the controller under its lock; once Wait has reported a
// terminal state the job no longer changes.
type Job struct {
	// Name is the job id the device manager knows the job by.
	Name  string
	Type  Type
	State State

	// VM and Disk locate the disk the job operates on.
	VM   string
	Disk string

	// Top is the upper layer the job works on: the disk's top layer for
	// pull, copy and backup jobs, the committed layer for commits.
	Top *chain.Source

	// Base is the layer a commit moves data into.
	Base *chain.Source

	// Mirror is the target of a copy or backup, or the clone of Base that
	// stands in for the disk during an active commit. Copy and backup
	// targets are attached as a single layer; a shallow copy's backing
	// reference points into the source chain, and a target that brings
	// its own backing chain has it installed only during pivot.
	Mirror *chain.Source

	// Shallow and ReuseExternal record the copy options pivot needs.
	Shallow       bool
	ReuseExternal bool

	// SyncPoint parks the job pending until Finalize instead of letting
	// the device manager conclude it on its own.
	SyncPoint bool

	// Error carries the device manager's failure message once the job
	// concludes unsuccessfully.
	Error string

	// Current and Total mirror the device manager's progress counters as
	// of the last refresh.
	Current uint64
	Total   uint64

	Started  time.Time
	Finished time.Time

	// grants are the images an AccessManager opened for this job, revoked
	// in reverse order when the job ends.
	grants []*chain.Source

	abortRequested    bool
	finalizeRequested bool
}

func newJob(typ Type, vm, disk string, top *chain.Source) *Job {
	return &Job{
		Name:    naming.JobName(typ.String(), disk),
		Type:    typ,
		State:   StateNew,
		VM:      vm,
		Disk:    disk,
		Top:     top,
		Started: time.Now(),
	}
}
