package vmstate

import (
	"github.com/pkg/errors"

	"github.com/blockplane/blockplane/internal/blockjob"
	"github.com/blockplane/blockplane/internal/chain"
)

// JobStateOf summarizes a live job for persistence.
func JobStateOf(job *blockjob.Job) JobState {
	js := JobState{
		Name:          job.Name,
		Type:          job.Type.String(),
		State:         job.State.String(),
		Disk:          job.Disk,
		Error:         job.Error,
		Started:       job.Started,
		Mirror:        LayersFromChain(job.Mirror),
		Shallow:       job.Shallow,
		ReuseExternal: job.ReuseExternal,
		SyncPoint:     job.SyncPoint,
	}
	if job.Base != nil {
		js.BaseNode = job.Base.EffectiveNodename()
	}
	return js
}

// JobFromState rebuilds a job from its persisted record so a later process
// can adopt it. top is the disk's current chain; the base reference is
// resolved against it by node name.
func JobFromState(vm string, js JobState, top *chain.Source) (*blockjob.Job, error) {
	typ, err := blockjob.ParseType(js.Type)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", js.Name)
	}
	state, err := blockjob.ParseState(js.State)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s", js.Name)
	}

	job := &blockjob.Job{
		Name:          js.Name,
		Type:          typ,
		State:         state,
		VM:            vm,
		Disk:          js.Disk,
		Top:           top,
		Mirror:        ChainFromLayers(js.Mirror),
		Shallow:       js.Shallow,
		ReuseExternal: js.ReuseExternal,
		SyncPoint:     js.SyncPoint,
		Error:         js.Error,
		Started:       js.Started,
	}

	if js.BaseNode != "" {
		job.Base = chain.Find(top, func(s *chain.Source) bool {
			return s.EffectiveNodename() == js.BaseNode
		})
		if job.Base == nil {
			return nil, errors.Errorf("job %s: base node %s is not in the disk's chain", js.Name, js.BaseNode)
		}
	}

	return job, nil
}
