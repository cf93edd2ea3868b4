package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockplane/blockplane/internal/blockjob"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/output"
	"github.com/blockplane/blockplane/internal/vmstate"
)

var jobsFlags struct {
	vm string
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the block jobs of a VM",
	Long: `List the block jobs of a VM with their current progress. Each job is
refreshed against the device manager first, so jobs that concluded since
the last invocation are settled and reported in their final state.

Examples:
  blockplane jobs --vm web1
  blockplane jobs --vm web1 -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(jobsFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		jobs := s.ctl.Jobs()
		for _, job := range jobs {
			if _, err := s.ctl.Refresh(ctx, job); err != nil {
				return err
			}
		}

		f, err := formatter()
		if err != nil {
			return err
		}
		out, err := f.FormatJobs(output.NewJobRows(jobs))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var pivotFlags struct {
	vm   string
	job  string
	wait bool
}

var pivotCmd = &cobra.Command{
	Use:   "pivot",
	Short: "Switch a disk over to a converged job's target",
	Long: `Pivot a converged copy or active-commit job: the job's target becomes
the disk's authoritative image. Only jobs in the ready state pivot; a
rejected pivot leaves the job ready and may be retried.

Examples:
  blockplane pivot --vm web1 --job copy-vdb-1a2b3c --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(pivotFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		job, err := findJob(ctx, s, pivotFlags.job)
		if err != nil {
			return err
		}

		if err := s.ctl.Pivot(ctx, job); err != nil {
			return err
		}
		fmt.Printf("✓ Job %s pivoting\n", job.Name)

		if pivotFlags.wait {
			if err := waitJob(ctx, s, job); err != nil {
				return err
			}
			return recordPivotResult(s, job)
		}
		return nil
	},
}

var finalizeFlags struct {
	vm  string
	job string
	all bool
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Release jobs held at their synchronization point",
	Long: `Finalize jobs that were started with --sync-point and are holding at
pending. With --all every pending job of the VM is finalized and waited
out together, so an operation spanning several disks commits as one.

Examples:
  blockplane finalize --vm web1 --job commit-vdb-1a2b3c
  blockplane finalize --vm web1 --all`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(finalizeFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		if finalizeFlags.all {
			if finalizeFlags.job != "" {
				return fmt.Errorf("--job and --all are mutually exclusive")
			}
			refreshAll(ctx, s)
			if err := s.ctl.FinalizeAll(ctx); err != nil {
				return err
			}
			fmt.Println("✓ All pending jobs finalized")
			return nil
		}

		job, err := findJob(ctx, s, finalizeFlags.job)
		if err != nil {
			return err
		}
		if err := s.ctl.Finalize(ctx, job); err != nil {
			return err
		}
		fmt.Printf("✓ Job %s finalizing\n", job.Name)
		return waitJob(ctx, s, job)
	},
}

var abortFlags struct {
	vm  string
	job string
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Cancel a block job",
	Long: `Cancel a block job and wait for the cancellation to settle. A copy
aborted after converging concludes cleanly and the disk keeps its
original chain; the copy target is detached either way.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(abortFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		job, err := findJob(ctx, s, abortFlags.job)
		if err != nil {
			return err
		}
		if err := s.ctl.Abort(ctx, job); err != nil {
			return err
		}
		fmt.Printf("✓ Job %s aborted\n", job.Name)
		return nil
	},
}

// findJob resolves --job against the controller's registry, refreshing
// the job so state checks see the device manager's current view.
func findJob(ctx context.Context, s *session, name string) (*blockjob.Job, error) {
	if name == "" {
		return nil, fmt.Errorf("--job is required")
	}
	job := s.ctl.Find(name)
	if job == nil {
		return nil, fmt.Errorf("no block job %s on VM %s", name, s.vm)
	}
	if _, err := s.ctl.Refresh(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func refreshAll(ctx context.Context, s *session) {
	for _, job := range s.ctl.Jobs() {
		_, _ = s.ctl.Refresh(ctx, job)
	}
}

// recordPivotResult persists the chain a concluded pivot left the disk
// with, so later invocations that cannot probe the domain still see the
// switched-over chain.
func recordPivotResult(s *session, job *blockjob.Job) error {
	if job.State != blockjob.StateConcluded {
		return nil
	}

	var top *chain.Source
	switch job.Type {
	case blockjob.TypeCopy:
		top = job.Mirror
		if top.BackingStore == nil {
			if job.Shallow && job.Top.HasBacking() {
				top.BackingStore = job.Top.BackingStore
			} else {
				top.BackingStore = chain.NewTerminator()
			}
		}
	case blockjob.TypeActiveCommit:
		top = job.Base
	default:
		return nil
	}

	return s.store.Update(s.vm, func(doc *vmstate.Doc) error {
		doc.RecordChain(job.Disk, top)
		return nil
	})
}

func init() {
	jobsCmd.Flags().StringVar(&jobsFlags.vm, "vm", "", "VM name")

	pivotCmd.Flags().StringVar(&pivotFlags.vm, "vm", "", "VM name")
	pivotCmd.Flags().StringVar(&pivotFlags.job, "job", "", "Job name")
	pivotCmd.Flags().BoolVar(&pivotFlags.wait, "wait", false, "Wait for the switch to conclude")

	finalizeCmd.Flags().StringVar(&finalizeFlags.vm, "vm", "", "VM name")
	finalizeCmd.Flags().StringVar(&finalizeFlags.job, "job", "", "Job name")
	finalizeCmd.Flags().BoolVar(&finalizeFlags.all, "all", false, "Finalize every pending job of the VM")

	abortCmd.Flags().StringVar(&abortFlags.vm, "vm", "", "VM name")
	abortCmd.Flags().StringVar(&abortFlags.job, "job", "", "Job name")
}
