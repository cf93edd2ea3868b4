// Package blockjob drives the long-running block operations of one VM:
// pull, commit, copy and backup jobs, plus the create jobs that allocate
// and format new images.
//
// Jobs are started with auto-dismiss off and observed by polling; the
// controller never depends on an event stream. Each refresh re-queries the
// device manager's job list, folds the reported status into the registered
// job, and runs the conclusion steps exactly once when a job turns
// terminal: access grants are revoked, dirty bitmaps reconciled onto the
// surviving image, the target of a failed copy detached, and the job
// record dismissed. The per-VM lock is held for one refresh at a time,
// never across a whole wait loop.
//
// A converged job holds at ready until an explicit Pivot or Abort, and a
// job started as a synchronization point additionally parks pending until
// Finalize. Both requests are retryable: when one fails, the job remains
// in the stable state it was in before.
package blockjob
