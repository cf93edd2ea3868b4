package blockjob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/blockplane/blockplane/internal/attach"
	"github.com/blockplane/blockplane/internal/bitmap"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/monitor"
	"github.com/blockplane/blockplane/internal/qjson"
)

// AccessManager grants and revokes host-side access to images a job
// touches beyond the disk's attached chain: commit bases opened
// read-write, copy and backup targets, backing images installed during a
// pivot. Implementations map the grant onto whatever the host enforces,
// such as file ownership or security labels.
type AccessManager interface {
	// Allow makes src usable by the VM process, read-write unless
	// readonly is set. Allowing an already-allowed image must succeed.
	Allow(ctx context.Context, src *chain.Source, readonly bool) error
	// Revoke withdraws a prior Allow.
	Revoke(ctx context.Context, src *chain.Source) error
}

// Recorder persists job records, so a restarted daemon can re-adopt jobs
// the device manager still tracks. A nil Recorder keeps the registry in
// memory only.
type Recorder interface {
	SaveJob(vm string, job *Job) error
	DeleteJob(vm, name string) error
}

// Controller drives the block jobs of one VM. Methods are safe for
// concurrent use; the lock is held per status refresh and per registry
// access, never across a wait loop, so queries against the same VM stay
// responsive while a job runs.
type Controller struct {
	vm      string
	mon     *monitor.Client
	access  AccessManager
	secrets attach.SecretStore
	rec     Recorder
	log     *logrus.Entry
	poll    time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewController returns a controller for one VM's monitor session.
// access, secrets and rec may each be nil when there are no grants to
// manage, no secrets to resolve, or no state to persist.
func NewController(vm string, mon *monitor.Client, access AccessManager, secrets attach.SecretStore, rec Recorder) *Controller {
	return &Controller{
		vm:      vm,
		mon:     mon,
		access:  access,
		secrets: secrets,
		rec:     rec,
		log:     logrus.WithField("vm", vm),
		poll:    500 * time.Millisecond,
		jobs:    make(map[string]*Job),
	}
}

// Adopt registers a job record recovered from persisted state, so Wait,
// Pivot and Abort can drive a job that outlived the process that started
// it.
func (c *Controller) Adopt(job *Job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[job.Name] = job
}

// Find returns the registered job with the given name, or nil.
func (c *Controller) Find(name string) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[name]
}

// Jobs returns the registered jobs, oldest first.
func (c *Controller) Jobs() []*Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Job, 0, len(c.jobs))
	for _, job := range c.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Refresh polls the device manager once and folds the reported status
// into the job. When the job turns terminal, its conclusion runs exactly
// once before Refresh returns: grants are revoked, bitmaps reconciled,
// failed copy targets detached, and the job dismissed and deregistered.
func (c *Controller) Refresh(ctx context.Context, job *Job) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx, job)
}

func (c *Controller) refreshLocked(ctx context.Context, job *Job) (State, error) {
	if job.State.Terminal() {
		return job.State, nil
	}

	status, err := c.mon.FindJob(ctx, job.Name)
	if err != nil {
		return job.State, err
	}
	if status == nil {
		// The device manager no longer tracks the job; it concluded and
		// was dismissed behind our back.
		c.concludeLocked(ctx, job, StateConcluded, "", false)
		return job.State, nil
	}

	job.Current = status.Current
	job.Total = status.Total

	switch status.Status {
	case "created":
		// start command accepted, job not yet running
	case "running", "paused", "standby", "waiting", "aborting":
		if job.State < StateRunning {
			job.State = StateRunning
		}
	case "ready":
		if job.State < StateReady {
			job.State = StateReady
		}
	case "pending":
		// Without the synchronization hold the pending status is a
		// transient the job passes through on its own.
		if job.SyncPoint && job.State < StatePending {
			job.State = StatePending
		}
	case "concluded":
		final := StateConcluded
		switch {
		case job.abortRequested:
			final = StateCancelled
		case status.Error != "":
			final = StateFailed
		}
		c.concludeLocked(ctx, job, final, status.Error, true)
	case "null", "undefined":
		c.concludeLocked(ctx, job, StateConcluded, "", false)
	}

	return job.State, nil
}

// Wait blocks until the job converges, parks for finalization, or
// finishes, and returns the state it stopped on. The poll loop holds the
// controller lock only for each refresh. A pending job that Finalize was
// already called on is waited through to its conclusion.
func (c *Controller) Wait(ctx context.Context, job *Job) (State, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		st, err := c.Refresh(ctx, job)
		if err != nil {
			return st, err
		}
		if c.waitDone(job, st) {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Controller) waitDone(job *Job, st State) bool {
	if st.Terminal() || st == StateReady {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return st == StatePending && !job.finalizeRequested
}

// Abort cancels a job and waits for the cancellation to conclude, at
// which point its grants are revoked and, for copy and backup jobs, the
// target is detached. Finished jobs are left alone. A copy cancelled
// after converging concludes cleanly; the disk keeps its original chain.
func (c *Controller) Abort(ctx context.Context, job *Job) error {
	c.mu.Lock()
	if job.State.Terminal() {
		c.mu.Unlock()
		return nil
	}
	job.abortRequested = true
	c.mu.Unlock()

	if err := c.mon.JobCancel(ctx, job.Name); err != nil {
		return err
	}

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		st, err := c.Refresh(ctx, job)
		if err != nil {
			return err
		}
		if st.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Finalize releases a job parked at its synchronization point; the job
// then runs to its conclusion, which Wait observes. Failure leaves the
// job pending and Finalize may be retried.
func (c *Controller) Finalize(ctx context.Context, job *Job) error {
	c.mu.Lock()
	if job.State != StatePending {
		c.mu.Unlock()
		return fmt.Errorf("block job %s is %s, not pending finalization", job.Name, job.State)
	}
	job.finalizeRequested = true
	c.mu.Unlock()

	if err := c.mon.JobFinalize(ctx, job.Name); err != nil {
		c.mu.Lock()
		job.finalizeRequested = false
		c.mu.Unlock()
		return err
	}
	return nil
}

// FinalizeAll finalizes every pending job and waits for each to conclude,
// so an operation spanning several disks commits as one synchronization
// point. The first failure cancels the remaining waits.
func (c *Controller) FinalizeAll(ctx context.Context) error {
	c.mu.Lock()
	pending := make([]*Job, 0, len(c.jobs))
	for _, job := range c.jobs {
		if job.State == StatePending {
			pending = append(pending, job)
		}
	}
	c.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range pending {
		job := job
		g.Go(func() error {
			if err := c.Finalize(ctx, job); err != nil {
				return err
			}
			st, err := c.Wait(ctx, job)
			if err != nil {
				return err
			}
			if st != StateConcluded {
				if job.Error != "" {
					return fmt.Errorf("block job %s %s: %s", job.Name, st, job.Error)
				}
				return fmt.Errorf("block job %s %s", job.Name, st)
			}
			return nil
		})
	}
	return g.Wait()
}

// Dismiss drops a terminal job's record from the device manager and the
// registry. Refresh dismisses the jobs it concludes on its own; Dismiss
// covers jobs discovered out of band. A job the device manager no longer
// knows is not an error.
func (c *Controller) Dismiss(ctx context.Context, name string) error {
	if err := c.mon.JobDismiss(ctx, name); err != nil {
		var qerr *monitor.Error
		if !errors.As(err, &qerr) || !qerr.NotFound() {
			return err
		}
	}
	c.mu.Lock()
	job := c.jobs[name]
	delete(c.jobs, name)
	c.mu.Unlock()
	if job != nil {
		c.record(job)
	}
	return nil
}

// concludeLocked finishes a job: it settles the final state, runs the
// type-specific conclusion work, revokes grants, dismisses the device
// manager's record when it still tracks one, and deregisters the job.
// Cleanup runs even when ctx already expired; its failures are logged,
// never raised, so the job's own outcome stands.
func (c *Controller) concludeLocked(ctx context.Context, job *Job, final State, errmsg string, tracked bool) {
	pivoted := job.State == StatePivoting
	job.State = final
	if errmsg != "" {
		job.Error = errmsg
	}
	job.Finished = time.Now()

	ctx = context.WithoutCancel(ctx)

	c.concludeActions(ctx, job, pivoted)
	c.revokeGrants(ctx, job)

	if tracked {
		if err := c.mon.JobDismiss(ctx, job.Name); err != nil {
			c.log.WithError(err).WithField("job", job.Name).Warn("concluded job not dismissed")
		}
	}

	delete(c.jobs, job.Name)
	c.record(job)
	c.log.WithFields(logrus.Fields{
		"job":   job.Name,
		"type":  job.Type.String(),
		"state": final.String(),
	}).Info("block job finished")
}

// concludeActions runs the work a finished job leaves behind: folding
// dirty bitmaps onto the image that now carries the data, and dropping
// the target of a copy or backup that did not deliver one.
func (c *Controller) concludeActions(ctx context.Context, job *Job, pivoted bool) {
	switch job.Type {
	case TypeCopy:
		if pivoted && job.State == StateConcluded {
			c.reconcileBitmaps(ctx, job)
			return
		}
		c.detachMirror(ctx, job)
	case TypeBackup:
		if job.State != StateConcluded {
			c.detachMirror(ctx, job)
		}
	case TypeCommit, TypeActiveCommit:
		if job.State == StateConcluded {
			c.reconcileBitmaps(ctx, job)
		}
	}
}

// reconcileBitmaps applies the bitmap merge plan a finished copy or
// commit calls for. The job's outcome stands regardless: planning or
// applying failures are logged only.
func (c *Controller) reconcileBitmaps(ctx context.Context, job *Job) {
	nodes, err := c.mon.QueryNamedBlockNodes(ctx)
	if err != nil {
		c.log.WithError(err).WithField("job", job.Name).Warn("bitmap state unreadable after job")
		return
	}

	var actions *qjson.Array
	switch job.Type {
	case TypeCopy:
		actions, err = bitmap.HandleBlockcopy(job.Top, job.Mirror, nodes, job.Shallow)
	case TypeCommit, TypeActiveCommit:
		actions, err = bitmap.HandleCommitFinish(job.Top, job.Base, job.Type == TypeActiveCommit, nodes)
	}
	if err != nil {
		c.log.WithError(err).WithField("job", job.Name).Warn("bitmap reconciliation not planned")
		return
	}
	if actions == nil {
		return
	}
	if err := c.mon.Transaction(ctx, actions); err != nil {
		c.log.WithError(err).WithField("job", job.Name).Warn("bitmap reconciliation rejected")
	}
}

func (c *Controller) detachMirror(ctx context.Context, job *Job) {
	if job.Mirror == nil {
		return
	}
	if err := attach.DetachOne(ctx, c.mon, job.Mirror); err != nil {
		c.log.WithError(err).WithField("job", job.Name).Warn("job target left attached")
	}
}

// allow grants access to src and tracks the grant on the job for
// revocation when the job ends.
func (c *Controller) allow(ctx context.Context, job *Job, src *chain.Source, readonly bool) error {
	if c.access == nil || src == nil {
		return nil
	}
	if err := c.access.Allow(ctx, src, readonly); err != nil {
		return err
	}
	job.grants = append(job.grants, src)
	return nil
}

func (c *Controller) revokeGrants(ctx context.Context, job *Job) {
	if c.access == nil {
		job.grants = nil
		return
	}
	for i := len(job.grants) - 1; i >= 0; i-- {
		if err := c.access.Revoke(ctx, job.grants[i]); err != nil {
			c.log.WithError(err).WithField("job", job.Name).Warn("access grant not revoked")
		}
	}
	job.grants = nil
}

// record persists the job's current state; terminal jobs are removed from
// the store instead.
func (c *Controller) record(job *Job) {
	if c.rec == nil {
		return
	}
	var err error
	if job.State.Terminal() {
		err = c.rec.DeleteJob(c.vm, job.Name)
	} else {
		err = c.rec.SaveJob(c.vm, job)
	}
	if err != nil {
		c.log.WithError(err).WithField("job", job.Name).Warn("job record not persisted")
	}
}

// register moves a freshly started job into the registry.
func (c *Controller) register(job *Job) {
	c.mu.Lock()
	job.State = StateRunning
	c.jobs[job.Name] = job
	c.mu.Unlock()
	c.record(job)
	c.log.WithFields(logrus.Fields{
		"job":  job.Name,
		"type": job.Type.String(),
		"disk": job.Disk,
	}).Info("block job started")
}

// activeJobFor returns the unfinished registered job driving a disk, if
// any. One disk carries at most one job at a time.
func (c *Controller) activeJobFor(disk string) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, job := range c.jobs {
		if job.Disk == disk && !job.State.Terminal() {
			return job
		}
	}
	return nil
}
