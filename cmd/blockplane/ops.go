package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockplane/blockplane/internal/blockjob"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/vmstate"
)

var pullFlags struct {
	vm       string
	disk     string
	base     string
	relative bool
	wait     bool
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fold backing layers into a disk's top image",
	Long: `Start a pull job that copies data from a disk's backing layers into
its top image. Without --base the whole chain folds in and the top image
ends up standalone; with --base only the layers above it fold in and the
base becomes the new backing image.

Layers are referenced by depth (0 = top) or by image path.

Examples:
  blockplane pull --vm web1 --disk vdb --wait
  blockplane pull --vm web1 --disk vdb --base /images/base.qcow2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(pullFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		top, err := s.diskChain(pullFlags.disk)
		if err != nil {
			return err
		}
		base, err := selectLayer(top, pullFlags.base)
		if err != nil {
			return err
		}

		ctx := context.Background()
		job, err := s.ctl.StartPull(ctx, pullFlags.disk, top, blockjob.PullOpts{
			Base:            base,
			BackingRelative: pullFlags.relative,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Pull job %s started on %s/%s\n", job.Name, s.vm, pullFlags.disk)

		if pullFlags.wait {
			return waitJob(ctx, s, job)
		}
		return nil
	},
}

var commitFlags struct {
	vm        string
	disk      string
	top       string
	base      string
	active    bool
	relative  bool
	syncPoint bool
	wait      bool
	pivot     bool
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Move a chain layer's contents into a layer below it",
	Long: `Start a commit job that moves the contents of one chain layer into a
layer below it. Committing the disk's top image requires --active; such a
job converges instead of finishing and needs a pivot (use --pivot, or the
pivot command later) to switch the disk over to the base.

Layers are referenced by depth (0 = top) or by image path.

Examples:
  blockplane commit --vm web1 --disk vdb --top 1 --wait
  blockplane commit --vm web1 --disk vdb --active --pivot`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(commitFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		top, err := s.diskChain(commitFlags.disk)
		if err != nil {
			return err
		}
		commitTop, err := selectLayer(top, commitFlags.top)
		if err != nil {
			return err
		}
		base, err := selectLayer(top, commitFlags.base)
		if err != nil {
			return err
		}

		ctx := context.Background()
		job, err := s.ctl.StartCommit(ctx, commitFlags.disk, top, blockjob.CommitOpts{
			Top:             commitTop,
			Base:            base,
			Active:          commitFlags.active,
			BackingRelative: commitFlags.relative,
			SyncPoint:       commitFlags.syncPoint,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Commit job %s started on %s/%s\n", job.Name, s.vm, commitFlags.disk)

		if commitFlags.pivot {
			st, err := s.ctl.Wait(ctx, job)
			if err != nil {
				return err
			}
			if st != blockjob.StateReady {
				return waitJob(ctx, s, job)
			}
			if err := s.ctl.Pivot(ctx, job); err != nil {
				return err
			}
			fmt.Printf("✓ Job %s pivoting\n", job.Name)
			if err := waitJob(ctx, s, job); err != nil {
				return err
			}
			return recordPivotResult(s, job)
		}
		if commitFlags.wait {
			return waitJob(ctx, s, job)
		}
		return nil
	},
}

var copyFlags struct {
	vm            string
	disk          string
	dest          string
	destFormat    string
	size          uint64
	shallow       bool
	reuseExternal bool
	syncWrites    bool
	syncPoint     bool
	pivot         bool
	wait          bool
}

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Mirror a disk onto a new front image",
	Long: `Start a copy job that mirrors a disk onto a new image. The job
converges and holds at ready; a pivot (use --pivot, or the pivot command
later) moves the disk over to the copy, abort discards it.

Unless --reuse-external is set the destination image is created first,
which requires --size. A shallow copy duplicates only the top image and
shares the source's backing chain.

Examples:
  blockplane copy --vm web1 --disk vdb --dest /images/clone.qcow2 --size 10737418240
  blockplane copy --vm web1 --disk vdb --dest /images/clone.qcow2 --reuse-external --shallow --pivot`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(copyFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		top, err := s.diskChain(copyFlags.disk)
		if err != nil {
			return err
		}
		dest, err := destSource(s, copyFlags.dest, copyFlags.destFormat, copyFlags.size, copyFlags.reuseExternal)
		if err != nil {
			return err
		}

		ctx := context.Background()
		job, err := s.ctl.StartCopy(ctx, copyFlags.disk, top, blockjob.CopyOpts{
			Dest:          dest,
			Shallow:       copyFlags.shallow,
			ReuseExternal: copyFlags.reuseExternal,
			SyncWrites:    copyFlags.syncWrites,
			SyncPoint:     copyFlags.syncPoint,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Copy job %s started on %s/%s\n", job.Name, s.vm, copyFlags.disk)

		if copyFlags.pivot {
			st, err := s.ctl.Wait(ctx, job)
			if err != nil {
				return err
			}
			if st != blockjob.StateReady {
				return waitJob(ctx, s, job)
			}
			if err := s.ctl.Pivot(ctx, job); err != nil {
				return err
			}
			fmt.Printf("✓ Job %s pivoting\n", job.Name)
			if err := waitJob(ctx, s, job); err != nil {
				return err
			}
			return recordPivotResult(s, job)
		}
		if copyFlags.wait {
			return waitJob(ctx, s, job)
		}
		return nil
	},
}

var backupFlags struct {
	vm            string
	disk          string
	dest          string
	destFormat    string
	size          uint64
	bitmap        string
	reuseExternal bool
	syncPoint     bool
	wait          bool
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Copy a point-in-time view of a disk into a target image",
	Long: `Start a backup job that copies a point-in-time view of a disk into a
target image. With --bitmap only the clusters the named dirty bitmap
records are copied, yielding an incremental backup.

Unless --reuse-external is set the target image is created first, which
requires --size.

Examples:
  blockplane backup --vm web1 --disk vdb --dest /backups/vdb.qcow2 --size 10737418240 --wait
  blockplane backup --vm web1 --disk vdb --dest /backups/vdb-inc.qcow2 --size 10737418240 --bitmap nightly --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(backupFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		top, err := s.diskChain(backupFlags.disk)
		if err != nil {
			return err
		}
		dest, err := destSource(s, backupFlags.dest, backupFlags.destFormat, backupFlags.size, backupFlags.reuseExternal)
		if err != nil {
			return err
		}

		ctx := context.Background()
		job, err := s.ctl.StartBackup(ctx, backupFlags.disk, top, blockjob.BackupOpts{
			Dest:          dest,
			Bitmap:        backupFlags.bitmap,
			ReuseExternal: backupFlags.reuseExternal,
			SyncPoint:     backupFlags.syncPoint,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Backup job %s started on %s/%s\n", job.Name, s.vm, backupFlags.disk)

		if backupFlags.wait {
			return waitJob(ctx, s, job)
		}
		return nil
	},
}

// destSource builds the target of a copy or backup and assigns its node
// names from the VM's state document.
func destSource(s *session, path, format string, size uint64, reuse bool) (*chain.Source, error) {
	if path == "" {
		return nil, fmt.Errorf("--dest is required")
	}
	if !reuse && size == 0 {
		return nil, fmt.Errorf("--size is required to create the destination image")
	}

	dest := &chain.Source{
		Type:         chain.DiskTypeFile,
		Format:       chain.Format(format),
		Path:         path,
		Capacity:     size,
		BackingStore: chain.NewTerminator(),
	}
	err := s.store.Update(s.vm, func(doc *vmstate.Doc) error {
		doc.AssignNodenames(dest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dest, nil
}

// waitJob waits a job out and reports how it ended.
func waitJob(ctx context.Context, s *session, job *blockjob.Job) error {
	st, err := s.ctl.Wait(ctx, job)
	if err != nil {
		return err
	}
	switch st {
	case blockjob.StateReady:
		fmt.Printf("✓ Job %s converged and is ready to pivot\n", job.Name)
	case blockjob.StatePending:
		fmt.Printf("✓ Job %s is holding at its synchronization point\n", job.Name)
	case blockjob.StateConcluded:
		fmt.Printf("✓ Job %s finished\n", job.Name)
	case blockjob.StateCancelled:
		fmt.Printf("✓ Job %s cancelled\n", job.Name)
	case blockjob.StateFailed:
		return fmt.Errorf("block job %s failed: %s", job.Name, job.Error)
	}
	return nil
}

func init() {
	pullCmd.Flags().StringVar(&pullFlags.vm, "vm", "", "VM name")
	pullCmd.Flags().StringVar(&pullFlags.disk, "disk", "", "Guest disk target")
	pullCmd.Flags().StringVar(&pullFlags.base, "base", "", "Pull only layers above this one (depth or path)")
	pullCmd.Flags().BoolVar(&pullFlags.relative, "relative", false, "Keep the rewritten backing reference relative")
	pullCmd.Flags().BoolVar(&pullFlags.wait, "wait", false, "Wait for the job to finish")

	commitCmd.Flags().StringVar(&commitFlags.vm, "vm", "", "VM name")
	commitCmd.Flags().StringVar(&commitFlags.disk, "disk", "", "Guest disk target")
	commitCmd.Flags().StringVar(&commitFlags.top, "top", "", "Layer to commit (depth or path); default is the active layer")
	commitCmd.Flags().StringVar(&commitFlags.base, "base", "", "Layer to commit into (depth or path); default is directly below top")
	commitCmd.Flags().BoolVar(&commitFlags.active, "active", false, "Acknowledge a commit of the active layer")
	commitCmd.Flags().BoolVar(&commitFlags.relative, "relative", false, "Keep the rewritten backing reference relative")
	commitCmd.Flags().BoolVar(&commitFlags.syncPoint, "sync-point", false, "Hold the finished job until finalize")
	commitCmd.Flags().BoolVar(&commitFlags.wait, "wait", false, "Wait for the job to finish or converge")
	commitCmd.Flags().BoolVar(&commitFlags.pivot, "pivot", false, "Wait for convergence, pivot, and wait out the switch")

	copyCmd.Flags().StringVar(&copyFlags.vm, "vm", "", "VM name")
	copyCmd.Flags().StringVar(&copyFlags.disk, "disk", "", "Guest disk target")
	copyCmd.Flags().StringVar(&copyFlags.dest, "dest", "", "Destination image path")
	copyCmd.Flags().StringVar(&copyFlags.destFormat, "dest-format", "qcow2", "Destination image format")
	copyCmd.Flags().Uint64Var(&copyFlags.size, "size", 0, "Destination capacity in bytes (required unless --reuse-external)")
	copyCmd.Flags().BoolVar(&copyFlags.shallow, "shallow", false, "Copy only the top image")
	copyCmd.Flags().BoolVar(&copyFlags.reuseExternal, "reuse-external", false, "Attach an existing destination instead of creating one")
	copyCmd.Flags().BoolVar(&copyFlags.syncWrites, "sync-writes", false, "Hold guest writes until they reach the copy")
	copyCmd.Flags().BoolVar(&copyFlags.syncPoint, "sync-point", false, "Hold the finished job until finalize")
	copyCmd.Flags().BoolVar(&copyFlags.pivot, "pivot", false, "Wait for convergence, pivot, and wait out the switch")
	copyCmd.Flags().BoolVar(&copyFlags.wait, "wait", false, "Wait for the job to converge")

	backupCmd.Flags().StringVar(&backupFlags.vm, "vm", "", "VM name")
	backupCmd.Flags().StringVar(&backupFlags.disk, "disk", "", "Guest disk target")
	backupCmd.Flags().StringVar(&backupFlags.dest, "dest", "", "Target image path")
	backupCmd.Flags().StringVar(&backupFlags.destFormat, "dest-format", "qcow2", "Target image format")
	backupCmd.Flags().Uint64Var(&backupFlags.size, "size", 0, "Target capacity in bytes (required unless --reuse-external)")
	backupCmd.Flags().StringVar(&backupFlags.bitmap, "bitmap", "", "Dirty bitmap for an incremental backup")
	backupCmd.Flags().BoolVar(&backupFlags.reuseExternal, "reuse-external", false, "Attach an existing target instead of creating one")
	backupCmd.Flags().BoolVar(&backupFlags.syncPoint, "sync-point", false, "Hold the finished job until finalize")
	backupCmd.Flags().BoolVar(&backupFlags.wait, "wait", false, "Wait for the job to finish")
}
