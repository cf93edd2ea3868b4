package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/blockplane/blockplane/internal/attach"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/libvirt"
	"github.com/blockplane/blockplane/internal/vmstate"
)

var attachFlags struct {
	vm            string
	disk          string
	image         string
	format        string
	backing       string
	backingFormat string
	readonly      bool
	diskXML       string
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a storage chain to a VM",
	Long: `Attach an image and its backing chain to a running VM, node by node.

The chain is described either by flags (--image, --format, --backing) or by
a file holding a libvirt <disk> element (--disk-xml). Node names are
allocated from the VM's state document and the attach is rolled back
completely if any step is rejected.

Examples:
  blockplane attach --vm web1 --disk vdb --image /images/data.qcow2
  blockplane attach --vm web1 --disk vdb --disk-xml disk.xml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(attachFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		top, target, err := attachSource()
		if err != nil {
			return err
		}
		if attachFlags.disk != "" {
			target = attachFlags.disk
		}
		if target == "" {
			return fmt.Errorf("--disk is required")
		}
		if err := chain.Validate(top); err != nil {
			return err
		}

		// Names are allocated and persisted before the nodes exist, so a
		// crash mid-attach cannot hand the same names out twice.
		err = s.store.Update(s.vm, func(doc *vmstate.Doc) error {
			doc.AssignNodenames(top)
			return nil
		})
		if err != nil {
			return err
		}

		cd, err := attach.PrepareChain(top, s.sec)
		if err != nil {
			return err
		}

		ctx := context.Background()
		if err := attach.ApplyChain(ctx, s.mon, cd); err != nil {
			attach.RollbackChain(ctx, s.mon, cd)
			return fmt.Errorf("failed to attach chain: %w", err)
		}

		err = s.store.Update(s.vm, func(doc *vmstate.Doc) error {
			doc.RecordChain(target, top)
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ Attached %d layer(s) to %s as %s (top node %s)\n",
			chain.Depth(top), s.vm, target, top.EffectiveNodename())
		return nil
	},
}

// attachSource builds the chain to attach from the command's flags.
func attachSource() (*chain.Source, string, error) {
	if attachFlags.diskXML != "" {
		if attachFlags.image != "" {
			return nil, "", fmt.Errorf("--image and --disk-xml are mutually exclusive")
		}
		return sourceFromDiskXML(attachFlags.diskXML)
	}

	if attachFlags.image == "" {
		return nil, "", fmt.Errorf("either --image or --disk-xml is required")
	}

	top := &chain.Source{
		Type:     chain.DiskTypeFile,
		Format:   chain.Format(attachFlags.format),
		Path:     attachFlags.image,
		ReadOnly: attachFlags.readonly,
	}
	if attachFlags.backing != "" {
		top.BackingStore = &chain.Source{
			Type:         chain.DiskTypeFile,
			Format:       chain.Format(attachFlags.backingFormat),
			Path:         attachFlags.backing,
			ReadOnly:     true,
			BackingStore: chain.NewTerminator(),
		}
	} else {
		top.BackingStore = chain.NewTerminator()
	}
	return top, "", nil
}

// sourceFromDiskXML reads a file holding a single libvirt <disk> element
// and parses it through the domain disk translation.
func sourceFromDiskXML(path string) (*chain.Source, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read disk XML: %w", err)
	}

	wrapped := "<domain type='kvm'><name>x</name><devices>" + string(data) + "</devices></domain>"
	disks, err := libvirt.DiskSources(wrapped)
	if err != nil {
		return nil, "", err
	}
	if len(disks) != 1 {
		return nil, "", fmt.Errorf("disk XML must describe exactly one disk, found %d", len(disks))
	}
	return disks[0].Source, disks[0].Target, nil
}

var detachFlags struct {
	vm   string
	disk string
}

var detachCmd = &cobra.Command{
	Use:   "detach",
	Short: "Detach a storage chain from a VM",
	Long: `Detach a previously attached storage chain, top node first.

Teardown continues past individual failures and reports everything that
could not be removed. The disk's record is dropped from the VM's state
document once the chain is gone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(detachFlags.vm)
		if err != nil {
			return err
		}
		defer s.Close()

		doc, err := s.store.Load(s.vm)
		if err != nil {
			return err
		}
		top := s.persistedChain(doc, detachFlags.disk)
		if top == nil {
			return fmt.Errorf("disk %s is not recorded for VM %s", detachFlags.disk, s.vm)
		}

		cd := attach.DetachPrepareChain(top)
		if err := attach.DetachChain(context.Background(), s.mon, cd); err != nil {
			return fmt.Errorf("failed to detach chain: %w", err)
		}

		err = s.store.Update(s.vm, func(doc *vmstate.Doc) error {
			doc.DropChain(detachFlags.disk)
			return nil
		})
		if err != nil {
			return err
		}

		fmt.Printf("✓ Detached %s from %s\n", detachFlags.disk, s.vm)
		return nil
	},
}

func init() {
	attachCmd.Flags().StringVar(&attachFlags.vm, "vm", "", "VM name")
	attachCmd.Flags().StringVar(&attachFlags.disk, "disk", "", "Guest disk target (vdb, sdc, ...)")
	attachCmd.Flags().StringVar(&attachFlags.image, "image", "", "Path of the image to attach")
	attachCmd.Flags().StringVar(&attachFlags.format, "format", "qcow2", "Image format")
	attachCmd.Flags().StringVar(&attachFlags.backing, "backing", "", "Path of the backing image, if any")
	attachCmd.Flags().StringVar(&attachFlags.backingFormat, "backing-format", "qcow2", "Backing image format")
	attachCmd.Flags().BoolVar(&attachFlags.readonly, "readonly", false, "Attach read-only")
	attachCmd.Flags().StringVar(&attachFlags.diskXML, "disk-xml", "", "File holding a libvirt <disk> element describing the chain")

	detachCmd.Flags().StringVar(&detachFlags.vm, "vm", "", "VM name")
	detachCmd.Flags().StringVar(&detachFlags.disk, "disk", "", "Guest disk target")
}
