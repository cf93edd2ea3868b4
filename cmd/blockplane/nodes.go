package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockplane/blockplane/internal/bitmap"
	"github.com/blockplane/blockplane/internal/libvirt"
	"github.com/blockplane/blockplane/internal/monitor"
	"github.com/blockplane/blockplane/internal/output"
	"github.com/blockplane/blockplane/internal/vmstate"
)

var nodesFlags struct {
	vm string
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Show the storage chains of a VM, layer by layer",
	Long: `Show the recorded storage chains of a VM: one row per chain layer
with its node name, format and source.

Examples:
  blockplane nodes --vm web1
  blockplane nodes --vm web1 -o yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if nodesFlags.vm == "" {
			return fmt.Errorf("--vm is required")
		}

		doc, err := vmstate.NewStore(cfg.StateDir).Load(nodesFlags.vm)
		if err != nil {
			return err
		}

		f, err := formatter()
		if err != nil {
			return err
		}
		out, err := f.FormatDisks(output.NewDiskRows(doc.Disks))
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var bitmapsCmd = &cobra.Command{
	Use:   "bitmaps",
	Short: "Inspect and plan dirty bitmap handling",
}

var bitmapsPlanFlags struct {
	vm     string
	disk   string
	top    string
	base   string
	active bool
}

var bitmapsPlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the bitmap merge plan a commit would run",
	Long: `Compute and print, without applying it, the transaction that would
reconcile dirty bitmaps after committing one chain layer into another.
The plan is read from the device manager's live bitmap state.

Layers are referenced by depth (0 = top) or by image path.

Examples:
  blockplane bitmaps plan --vm web1 --disk vdb --base 1 --active`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(bitmapsPlanFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		top, err := s.diskChain(bitmapsPlanFlags.disk)
		if err != nil {
			return err
		}
		commitTop, err := selectLayer(top, bitmapsPlanFlags.top)
		if err != nil {
			return err
		}
		if commitTop == nil {
			commitTop = top
		}
		base, err := selectLayer(top, bitmapsPlanFlags.base)
		if err != nil {
			return err
		}
		if base == nil {
			base = commitTop.BackingStore
		}
		if base.IsTerminator() {
			return fmt.Errorf("the chosen top has no backing layer to commit into")
		}

		ctx := context.Background()
		nodes, err := s.mon.QueryNamedBlockNodes(ctx)
		if err != nil {
			return err
		}

		active := bitmapsPlanFlags.active || commitTop == top
		actions, err := bitmap.HandleCommitFinish(commitTop, base, active, nodes)
		if err != nil {
			return err
		}
		if actions == nil {
			fmt.Println("No bitmap actions required")
			return nil
		}

		out, err := json.MarshalIndent(actions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Manage NBD exports of chain nodes",
}

var exportAddFlags struct {
	vm       string
	disk     string
	layer    string
	id       string
	name     string
	writable bool
	bitmaps  []string
}

var exportAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Publish a chain node over the VM's NBD server",
	Long: `Publish one layer of a disk's chain over the VM's NBD server, so an
external consumer can read it, for example to drain a backup target or
serve a pull source.

Examples:
  blockplane export add --vm web1 --disk vdb --id backup-vdb --bitmap nightly`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(exportAddFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		top, err := s.diskChain(exportAddFlags.disk)
		if err != nil {
			return err
		}
		layer, err := selectLayer(top, exportAddFlags.layer)
		if err != nil {
			return err
		}
		if layer == nil {
			layer = top
		}
		if exportAddFlags.id == "" {
			return fmt.Errorf("--id is required")
		}

		err = s.mon.BlockExportAdd(context.Background(), monitor.ExportOpts{
			ID:       exportAddFlags.id,
			NodeName: layer.EffectiveNodename(),
			Name:     exportAddFlags.name,
			Writable: exportAddFlags.writable,
			Bitmaps:  exportAddFlags.bitmaps,
		})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Export %s added for node %s\n", exportAddFlags.id, layer.EffectiveNodename())
		return nil
	},
}

var exportDelFlags struct {
	vm string
	id string
}

var exportDelCmd = &cobra.Command{
	Use:   "del",
	Short: "Withdraw an NBD export",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(exportDelFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		if exportDelFlags.id == "" {
			return fmt.Errorf("--id is required")
		}
		if err := s.mon.BlockExportDel(context.Background(), exportDelFlags.id); err != nil {
			return err
		}
		fmt.Printf("✓ Export %s removed\n", exportDelFlags.id)
		return nil
	},
}

var statusFlags struct {
	vm string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a VM's disks and block jobs",
	Long: `Show the recorded storage chains of a VM together with its block
jobs, each refreshed against the device manager.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(statusFlags.vm)
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

		doc, err := s.store.Load(s.vm)
		if err != nil {
			return err
		}

		f, err := formatter()
		if err != nil {
			return err
		}
		disks, err := f.FormatDisks(output.NewDiskRows(doc.Disks))
		if err != nil {
			return err
		}
		fmt.Print(disks)
		if len(jobs) > 0 {
			fmt.Println()
			out, err := f.FormatJobs(output.NewJobRows(jobs))
			if err != nil {
				return err
			}
			fmt.Print(out)
		}
		return nil
	},
}

var testConnCmd = &cobra.Command{
	Use:   "test-conn",
	Short: "Test libvirt connection",
	Long:  `Test connectivity to the libvirt daemon and display version information.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Testing libvirt connection...")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := libvirt.Connect(cfg.LibvirtSocket, time.Duration(cfg.ConnectTimeoutSec)*time.Second)
		if err != nil {
			return fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close libvirt connection: %v\n", closeErr)
			}
		}()

		fmt.Println("✓ Connected to libvirt daemon")

		if err := client.Ping(); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}

		// libvirt returns the version as an integer like 8006000 for 8.6.0
		ver, err := client.Libvirt().ConnectGetLibVersion()
		if err != nil {
			return fmt.Errorf("failed to get libvirt version: %w", err)
		}
		major := ver / 1000000
		minor := (ver % 1000000) / 1000
		micro := ver % 1000

		fmt.Printf("✓ libvirt version: %d.%d.%d\n", major, minor, micro)
		fmt.Println("Connection test successful!")
		return nil
	},
}

func init() {
	nodesCmd.Flags().StringVar(&nodesFlags.vm, "vm", "", "VM name")

	bitmapsCmd.AddCommand(bitmapsPlanCmd)
	bitmapsPlanCmd.Flags().StringVar(&bitmapsPlanFlags.vm, "vm", "", "VM name")
	bitmapsPlanCmd.Flags().StringVar(&bitmapsPlanFlags.disk, "disk", "", "Guest disk target")
	bitmapsPlanCmd.Flags().StringVar(&bitmapsPlanFlags.top, "top", "", "Layer to commit (depth or path); default is the active layer")
	bitmapsPlanCmd.Flags().StringVar(&bitmapsPlanFlags.base, "base", "", "Layer to commit into (depth or path); default is directly below top")
	bitmapsPlanCmd.Flags().BoolVar(&bitmapsPlanFlags.active, "active", false, "Plan for an active commit")

	exportCmd.AddCommand(exportAddCmd)
	exportCmd.AddCommand(exportDelCmd)
	exportAddCmd.Flags().StringVar(&exportAddFlags.vm, "vm", "", "VM name")
	exportAddCmd.Flags().StringVar(&exportAddFlags.disk, "disk", "", "Guest disk target")
	exportAddCmd.Flags().StringVar(&exportAddFlags.layer, "layer", "", "Chain layer to export (depth or path); default is the top")
	exportAddCmd.Flags().StringVar(&exportAddFlags.id, "id", "", "Export id")
	exportAddCmd.Flags().StringVar(&exportAddFlags.name, "name", "", "Export name; defaults to the id")
	exportAddCmd.Flags().BoolVar(&exportAddFlags.writable, "writable", false, "Allow writes through the export")
	exportAddCmd.Flags().StringSliceVar(&exportAddFlags.bitmaps, "bitmap", nil, "Dirty bitmap to expose alongside the data (repeatable)")
	exportDelCmd.Flags().StringVar(&exportDelFlags.vm, "vm", "", "VM name")
	exportDelCmd.Flags().StringVar(&exportDelFlags.id, "id", "", "Export id")

	statusCmd.Flags().StringVar(&statusFlags.vm, "vm", "", "VM name")
}
