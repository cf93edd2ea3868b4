package blockjob

import (
	"context"
	"fmt"

	"github.com/blockplane/blockplane/internal/attach"
	"github.com/blockplane/blockplane/internal/bitmap"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/monitor"
	"github.com/blockplane/blockplane/internal/qjson"
)

// Pivot makes a converged job's target the disk's authoritative image.
// Only copy and active-commit jobs pivot, and only from ready. The steps
// are ordered so that a failure at any of them leaves the job ready and
// the disk's graph unchanged; the caller may retry. A copy destination
// holding back its own backing chain gets it attached now and installed
// underneath the target in one atomic switch. A transient write-tracking
// bitmap on the target picks up writes racing the switchover; the
// conclusion folds it into the target's bitmaps and drops it.
func (c *Controller) Pivot(ctx context.Context, job *Job) error {
	c.mu.Lock()
	if job.State != StateReady {
		c.mu.Unlock()
		return fmt.Errorf("block job %s is not ready to pivot", job.Name)
	}
	c.mu.Unlock()

	var (
		chainData  *attach.ChainData
		snapshot   *qjson.Array
		bitmapNode string
	)
	switch job.Type {
	case TypeCopy:
		bitmapNode = job.Mirror.EffectiveNodename()
		if job.Shallow && job.ReuseExternal && job.Mirror.HasBacking() {
			cd, err := attach.PrepareChain(job.Mirror.BackingStore, c.secrets)
			if err != nil {
				return err
			}
			action, err := snapshotAction(job.Mirror.BackingStore.EffectiveNodename(), job.Mirror.NodenameFormat)
			if err != nil {
				return err
			}
			chainData = cd
			snapshot = qjson.NewArray()
			snapshot.Append(action)
		}
	case TypeActiveCommit:
		bitmapNode = job.Base.EffectiveNodename()
	default:
		return fmt.Errorf("block job type %s does not support pivot", job.Type)
	}

	if chainData != nil {
		for _, layer := range chain.Layers(job.Mirror.BackingStore) {
			if err := c.allow(ctx, job, layer, true); err != nil {
				return err
			}
		}
		if err := attach.ApplyChain(ctx, c.mon, chainData); err != nil {
			attach.RollbackChain(ctx, c.mon, chainData)
			return err
		}
		if err := c.mon.Transaction(ctx, snapshot); err != nil {
			attach.RollbackChain(ctx, c.mon, chainData)
			return err
		}
	}

	// Writes racing the switchover land in a transient bitmap so the
	// conclusion can fold them into the image now taking them. The pivot
	// proceeds without it when the add is rejected; racing writes then
	// go unrecorded.
	add, err := bitmap.AddAction(bitmapNode, bitmap.ActiveWriteBitmapName, false, false, 0)
	if err != nil {
		return err
	}
	actions := qjson.NewArray()
	actions.Append(add)
	if err := c.mon.Transaction(ctx, actions); err != nil {
		c.log.WithError(err).WithField("job", job.Name).Warn("active-write bitmap not installed")
	}

	if err := c.mon.JobComplete(ctx, job.Name); err != nil {
		return err
	}

	c.mu.Lock()
	job.State = StatePivoting
	c.mu.Unlock()
	c.record(job)
	c.log.WithField("job", job.Name).Info("block job pivoting")
	return nil
}

// snapshotAction builds the blockdev-snapshot transaction action that
// installs an attached chain as the backing of the overlay node.
func snapshotAction(node, overlay string) (*qjson.Object, error) {
	data, err := qjson.NewObjectBuilder().
		String("node", node).
		String("overlay", overlay).
		Build()
	if err != nil {
		return nil, err
	}
	return monitor.TransactionAction("blockdev-snapshot", data)
}
