package backend

import (
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/naming"
	"github.com/blockplane/blockplane/internal/qjson"
)

// buildFileProps appends the fields of a local file or host device. With
// passed descriptors the filename is the descriptor-set pseudo-path, which
// only exists once the group is registered, so the identity-free form
// keeps the configured path instead.
func buildFileProps(b *qjson.ObjectBuilder, src *chain.Source, targetOnly bool) {
	path := src.Path
	if !targetOnly && src.FDGroup != nil {
		path = src.FDGroup.Path()
	}
	b.String("filename", path)
	if !targetOnly {
		b.StringOpt("aio", src.IOMode)
		if src.PRManager != nil {
			b.String("pr-manager", naming.PRManagerAlias(src.NodenameStorage, src.PRManager.Managed))
		}
	}
}

// buildVVFATProps appends the FAT-emulation fields of a directory source.
func buildVVFATProps(b *qjson.ObjectBuilder, src *chain.Source, targetOnly bool) {
	b.String("driver", "vvfat")
	b.String("dir", src.Path)
	b.Bool("floppy", src.Floppy)
	if !targetOnly {
		b.Bool("rw", !src.ReadOnly)
	}
}

func buildNVMeProps(b *qjson.ObjectBuilder, src *chain.Source) error {
	if src.NVMe == nil {
		return unsupportedf("nvme source lacks a PCI address")
	}
	b.String("driver", "nvme")
	b.String("device", src.NVMe.String())
	b.Uint("namespace", src.NVMe.Namespace)
	return nil
}

func buildVhostVDPAProps(b *qjson.ObjectBuilder, src *chain.Source) error {
	if src.FDGroup == nil {
		return unsupportedf("vdpa source requires a passed device descriptor")
	}
	b.String("driver", "virtio-blk-vhost-vdpa")
	b.String("path", src.FDGroup.Path())
	return nil
}
