package blockjob

import (
	"context"
	"errors"
	"fmt"

	"github.com/blockplane/blockplane/internal/attach"
	"github.com/blockplane/blockplane/internal/backend"
	"github.com/blockplane/blockplane/internal/bitmap"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/monitor"
)

// PullOpts adjust StartPull.
type PullOpts struct {
	// Base bounds the pull: only layers above it fold into the disk's top
	// image and base becomes its new backing image. A nil Base pulls the
	// whole chain and the top image ends up standalone.
	Base *chain.Source
	// BackingRelative records the rewritten backing reference relative
	// to the top image, composed from the relative references already in
	// the chain.
	BackingRelative bool
}

// StartPull begins folding backing layers of disk into its top image. The
// job finishes on its own; Wait observes the conclusion.
func (c *Controller) StartPull(ctx context.Context, disk string, top *chain.Source, opts PullOpts) (*Job, error) {
	if top == nil || top.IsTerminator() {
		return nil, fmt.Errorf("disk %s has no media attached", disk)
	}
	if busy := c.activeJobFor(disk); busy != nil {
		return nil, fmt.Errorf("disk %s is busy with block job %s", disk, busy.Name)
	}
	if !top.HasBacking() {
		return nil, fmt.Errorf("disk %s has no backing chain to pull from", disk)
	}

	var baseNode, backingFile string
	if opts.Base != nil {
		if chain.Find(top.BackingStore, func(s *chain.Source) bool { return s == opts.Base }) == nil {
			return nil, fmt.Errorf("base is not part of the backing chain of disk %s", disk)
		}
		baseNode = opts.Base.EffectiveNodename()
		if opts.BackingRelative {
			rel, err := chain.RelativeBackingPath(top.BackingStore, opts.Base)
			if err != nil {
				return nil, fmt.Errorf("cannot keep a relative backing reference: %w", err)
			}
			backingFile = rel
		}
	}

	job := newJob(TypePull, c.vm, disk, top)
	err := c.mon.BlockStream(ctx, monitor.StreamOpts{
		JobID:        job.Name,
		Device:       top.EffectiveNodename(),
		BaseNode:     baseNode,
		BackingFile:  backingFile,
		AutoFinalize: true,
	})
	if err != nil {
		return nil, err
	}
	c.register(job)
	return job, nil
}

// CommitOpts adjust StartCommit.
type CommitOpts struct {
	// Top selects the layer whose contents move down the chain; nil
	// commits the disk's top image, which requires Active.
	Top *chain.Source
	// Base selects the destination layer; nil commits into the backing
	// image directly below Top.
	Base *chain.Source
	// Active acknowledges a commit of the disk's top image. Such a job
	// converges instead of finishing and needs Pivot to switch the disk
	// over to the base.
	Active bool
	// BackingRelative keeps the rewritten backing reference of the layer
	// above Top relative, composed from the relative references already
	// in the chain.
	BackingRelative bool
	// SyncPoint holds the finished job at pending until Finalize, so
	// jobs on several disks can conclude together.
	SyncPoint bool
}

// StartCommit begins moving the contents of one chain layer into a layer
// below it. The base image and affected data files are granted write
// access for the duration of the job; a rejected start reverts the grants
// without disturbing the reported error.
func (c *Controller) StartCommit(ctx context.Context, disk string, top *chain.Source, opts CommitOpts) (*Job, error) {
	if top == nil || top.IsTerminator() {
		return nil, fmt.Errorf("disk %s has no media attached", disk)
	}
	if busy := c.activeJobFor(disk); busy != nil {
		return nil, fmt.Errorf("disk %s is busy with block job %s", disk, busy.Name)
	}

	commitTop := opts.Top
	if commitTop == nil {
		commitTop = top
	}
	if commitTop == top {
		if !opts.Active {
			return nil, fmt.Errorf("committing the active layer of disk %s requires the active option", disk)
		}
	} else {
		if opts.Active {
			return nil, fmt.Errorf("active commit requested but the chosen top is not the active layer of disk %s", disk)
		}
		if chain.Find(top, func(s *chain.Source) bool { return s == commitTop }) == nil {
			return nil, fmt.Errorf("commit top is not part of the chain of disk %s", disk)
		}
	}
	if !commitTop.HasBacking() {
		return nil, fmt.Errorf("commit top %s has no backing image to commit into", commitTop.Path)
	}

	base := opts.Base
	if base == nil {
		base = commitTop.BackingStore
	}
	if chain.Find(commitTop.BackingStore, func(s *chain.Source) bool { return s == base }) == nil {
		return nil, fmt.Errorf("base is not below the commit top in the chain of disk %s", disk)
	}

	// The layer above the committed one has its backing reference
	// rewritten once the job finishes and needs write access for that,
	// unless it is the active layer, which is writable already.
	topParent := chain.FindParent(top, commitTop)

	var backingPath string
	if opts.BackingRelative && commitTop != top {
		rel, err := chain.RelativeBackingPath(commitTop, base)
		if err != nil {
			return nil, fmt.Errorf("cannot keep a relative backing reference: %w", err)
		}
		backingPath = rel
	}

	typ := TypeCommit
	if opts.Active {
		typ = TypeActiveCommit
	}
	job := newJob(typ, c.vm, disk, commitTop)
	job.Base = base
	if opts.Active {
		// The converged job mirrors writes into base; a clone resolving
		// to the same nodes stands in as the disk's pending new front.
		job.Mirror = base.Copy()
	}

	var reopened []*chain.Source
	if err := c.allow(ctx, job, base, false); err != nil {
		return nil, err
	}
	if base.DataFile != nil {
		if err := c.allow(ctx, job, base.DataFile, false); err != nil {
			c.revertStart(ctx, job, reopened)
			return nil, err
		}
		if err := attach.ReopenReadWrite(ctx, c.mon, base.DataFile); err != nil {
			c.revertStart(ctx, job, reopened)
			return nil, err
		}
		reopened = append(reopened, base.DataFile)
	}
	if topParent != nil && topParent != top {
		if err := c.allow(ctx, job, topParent, false); err != nil {
			c.revertStart(ctx, job, reopened)
			return nil, err
		}
		if topParent.DataFile != nil {
			if err := c.allow(ctx, job, topParent.DataFile, false); err != nil {
				c.revertStart(ctx, job, reopened)
				return nil, err
			}
			if err := attach.ReopenReadWrite(ctx, c.mon, topParent.DataFile); err != nil {
				c.revertStart(ctx, job, reopened)
				return nil, err
			}
			reopened = append(reopened, topParent.DataFile)
		}
	}

	if backingPath == "" && topParent != nil {
		bs, err := backend.BackingStoreString(base, false)
		if err != nil {
			c.revertStart(ctx, job, reopened)
			return nil, err
		}
		backingPath = bs
	}

	err := c.mon.BlockCommit(ctx, monitor.CommitOpts{
		JobID:        job.Name,
		Device:       top.EffectiveNodename(),
		TopNode:      commitTop.EffectiveNodename(),
		BaseNode:     base.EffectiveNodename(),
		BackingFile:  backingPath,
		AutoFinalize: !opts.SyncPoint,
	})
	if err != nil {
		c.revertStart(ctx, job, reopened)
		return nil, err
	}
	job.SyncPoint = opts.SyncPoint
	c.register(job)
	return job, nil
}

// CopyOpts adjust StartCopy.
type CopyOpts struct {
	// Dest is the copy target, with node names assigned. Unless
	// ReuseExternal is set the image is created from Dest's parameters
	// before the copy starts.
	Dest *chain.Source
	// Shallow copies only the top image. Dest then shares the source's
	// backing chain, or brings its own when ReuseExternal is set and
	// Dest carries a backing store, which is installed during Pivot.
	Shallow bool
	// ReuseExternal attaches an existing image instead of creating one.
	ReuseExternal bool
	// SyncWrites holds guest writes until they reach the copy, so a
	// converged job stays converged.
	SyncWrites bool
	// SyncPoint holds the finished job at pending until Finalize.
	SyncPoint bool
}

// StartCopy begins mirroring a disk onto a new front image. The job
// converges and holds at ready; Pivot moves the disk over to the copy,
// Abort discards it and keeps the original chain.
func (c *Controller) StartCopy(ctx context.Context, disk string, top *chain.Source, opts CopyOpts) (*Job, error) {
	if top == nil || top.IsTerminator() {
		return nil, fmt.Errorf("disk %s has no media attached", disk)
	}
	if busy := c.activeJobFor(disk); busy != nil {
		return nil, fmt.Errorf("disk %s is busy with block job %s", disk, busy.Name)
	}
	mirror := opts.Dest
	if mirror == nil {
		return nil, fmt.Errorf("copy of disk %s needs a destination", disk)
	}
	if mirror.EffectiveNodename() == "" {
		return nil, errors.New("copy destination has no node names assigned")
	}

	// A reused destination with its own backing chain keeps it detached
	// until the pivot; installing it early would leave two chains
	// claiming the same images while the copy still runs.
	deferred := opts.Shallow && opts.ReuseExternal && mirror.HasBacking()

	backing := chain.NewTerminator()
	if opts.Shallow && !deferred && top.HasBacking() {
		backing = top.BackingStore
	}

	data, err := attach.PrepareBlockdev(mirror, backing)
	if err != nil {
		return nil, err
	}
	if err := attach.PrepareCommon(data, mirror, c.secrets); err != nil {
		return nil, err
	}

	job := newJob(TypeCopy, c.vm, disk, top)
	job.Mirror = mirror
	job.Shallow = opts.Shallow
	job.ReuseExternal = opts.ReuseExternal

	if err := c.allow(ctx, job, mirror, false); err != nil {
		return nil, err
	}
	if opts.ReuseExternal {
		if err := attach.Apply(ctx, c.mon, data); err != nil {
			attach.Rollback(ctx, c.mon, data)
			c.revertStart(ctx, job, nil)
			return nil, err
		}
	} else if err := c.CreateSource(ctx, mirror, backing, data); err != nil {
		c.revertStart(ctx, job, nil)
		return nil, err
	}

	err = c.mon.BlockdevMirror(ctx, monitor.MirrorOpts{
		JobID:        job.Name,
		Device:       top.EffectiveNodename(),
		Target:       mirror.EffectiveNodename(),
		Shallow:      opts.Shallow,
		WriteBlocked: opts.SyncWrites,
		AutoFinalize: !opts.SyncPoint,
	})
	if err != nil {
		attach.Rollback(ctx, c.mon, data)
		c.revertStart(ctx, job, nil)
		return nil, err
	}
	job.SyncPoint = opts.SyncPoint
	c.register(job)
	return job, nil
}

// BackupOpts adjust StartBackup.
type BackupOpts struct {
	// Dest is the backup target image, with node names assigned.
	Dest *chain.Source
	// Bitmap names a dirty bitmap on the disk's chain; only clusters it
	// records are copied, yielding an incremental backup.
	Bitmap string
	// ReuseExternal attaches an existing image instead of creating one.
	ReuseExternal bool
	// SyncPoint holds the finished job at pending until Finalize.
	SyncPoint bool
}

// StartBackup begins copying a point-in-time view of a disk into a target
// image. The target is detached again when the job ends any way other
// than a clean conclusion.
func (c *Controller) StartBackup(ctx context.Context, disk string, top *chain.Source, opts BackupOpts) (*Job, error) {
	if top == nil || top.IsTerminator() {
		return nil, fmt.Errorf("disk %s has no media attached", disk)
	}
	if busy := c.activeJobFor(disk); busy != nil {
		return nil, fmt.Errorf("disk %s is busy with block job %s", disk, busy.Name)
	}
	dest := opts.Dest
	if dest == nil {
		return nil, fmt.Errorf("backup of disk %s needs a destination", disk)
	}
	if dest.EffectiveNodename() == "" {
		return nil, errors.New("backup destination has no node names assigned")
	}
	if opts.Bitmap != "" {
		nodes, err := c.mon.QueryNamedBlockNodes(ctx)
		if err != nil {
			return nil, err
		}
		if !bitmap.ChainIsValid(top, opts.Bitmap, nodes) {
			return nil, fmt.Errorf("bitmap %q is not usable for an incremental backup of disk %s", opts.Bitmap, disk)
		}
	}

	data, err := attach.PrepareBlockdev(dest, chain.NewTerminator())
	if err != nil {
		return nil, err
	}
	if err := attach.PrepareCommon(data, dest, c.secrets); err != nil {
		return nil, err
	}

	job := newJob(TypeBackup, c.vm, disk, top)
	job.Mirror = dest

	if err := c.allow(ctx, job, dest, false); err != nil {
		return nil, err
	}
	if opts.ReuseExternal {
		if err := attach.Apply(ctx, c.mon, data); err != nil {
			attach.Rollback(ctx, c.mon, data)
			c.revertStart(ctx, job, nil)
			return nil, err
		}
	} else if err := c.CreateSource(ctx, dest, chain.NewTerminator(), data); err != nil {
		c.revertStart(ctx, job, nil)
		return nil, err
	}

	sync := "full"
	if opts.Bitmap != "" {
		sync = "incremental"
	}
	err = c.mon.BlockdevBackup(ctx, monitor.BackupOpts{
		JobID:        job.Name,
		Device:       top.EffectiveNodename(),
		Target:       dest.EffectiveNodename(),
		Sync:         sync,
		Bitmap:       opts.Bitmap,
		AutoFinalize: !opts.SyncPoint,
	})
	if err != nil {
		attach.Rollback(ctx, c.mon, data)
		c.revertStart(ctx, job, nil)
		return nil, err
	}
	job.SyncPoint = opts.SyncPoint
	c.register(job)
	return job, nil
}

// revertStart unwinds the preparations of a start the device manager
// rejected: images reopened read-write go back to read-only and grants
// are revoked, in reverse order, keeping the error the caller reports
// intact.
func (c *Controller) revertStart(ctx context.Context, job *Job, reopened []*chain.Source) {
	ctx = context.WithoutCancel(ctx)
	for i := len(reopened) - 1; i >= 0; i-- {
		if err := attach.ReopenReadOnly(ctx, c.mon, reopened[i]); err != nil {
			c.log.WithError(err).WithField("path", reopened[i].Path).Warn("image left reopened read-write")
		}
	}
	c.revokeGrants(ctx, job)
}
