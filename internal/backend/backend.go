package backend

import (
	"fmt"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/naming"
	"github.com/blockplane/blockplane/internal/qjson"
)

// UnsupportedError marks a source description the block layer refuses to
// manage. It is raised before any command reaches the VM and retrying
// cannot succeed without changing the configuration.
type UnsupportedError struct {
	Reason string
}

func (e *UnsupportedError) Error() string {
	return e.Reason
}

func unsupportedf(format string, args ...interface{}) error {
	return &UnsupportedError{Reason: fmt.Sprintf(format, args...)}
}

// Flags adjust how a property bag is rendered.
type Flags struct {
	// TargetOnly keeps only the fields identifying the image itself and
	// omits credentials, cookies, TLS material, node names and tuning.
	// Two descriptions of the same target render identically.
	TargetOnly bool

	// Legacy renders protocol fields only, without node names or the
	// common property pass.
	Legacy bool

	// EffectiveNode marks the storage node as the layer's guest-facing
	// node, switching the common property defaults accordingly.
	EffectiveNode bool
}

// StorageProps builds the bag opening the protocol layer of src.
func StorageProps(src *chain.Source, flags Flags) (*qjson.Object, error) {
	b := qjson.NewObjectBuilder()

	switch t := src.ActualType(); t {
	case chain.DiskTypeFile, chain.DiskTypeBlock:
		driver := "file"
		if t == chain.DiskTypeBlock {
			if src.HostCdrom {
				driver = "host_cdrom"
			} else {
				driver = "host_device"
			}
		}
		b.String("driver", driver)
		buildFileProps(b, src, flags.TargetOnly)

	case chain.DiskTypeDir:
		buildVVFATProps(b, src, flags.TargetOnly)

	case chain.DiskTypeNVMe:
		if err := buildNVMeProps(b, src); err != nil {
			return nil, err
		}

	case chain.DiskTypeVhostVDPA:
		if err := buildVhostVDPAProps(b, src); err != nil {
			return nil, err
		}

	case chain.DiskTypeVhostUser:
		return nil, unsupportedf("vhost-user disks attach as character devices, not block nodes")

	case chain.DiskTypeVolume:
		return nil, fmt.Errorf("pool volume %s/%s has not been translated to its backing source",
			src.PoolName, src.VolumeName)

	case chain.DiskTypeNetwork:
		pb, ok := protocolBuilders[src.Protocol]
		if !ok {
			return nil, unsupportedf("unsupported disk protocol %q", src.Protocol)
		}
		b.String("driver", pb.driver(src))
		if err := pb.build(b, src, flags.TargetOnly); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("cannot build storage properties for disk type %q", t)
	}

	if !flags.TargetOnly && !flags.Legacy {
		if err := commonProps(b, src, src.NodenameStorage, flags.EffectiveNode); err != nil {
			return nil, err
		}
	}

	return b.Build()
}

// commonProps appends the cross-cutting node properties. Internal layers
// default to auto-read-only and discard "unmap"; the effective layer
// carries the disk's requested policies. A storage layer fed by exactly
// one passed descriptor cannot use auto-read-only (there is no second
// descriptor to probe), so read-only is decided explicitly instead.
func commonProps(b *qjson.ObjectBuilder, src *chain.Source, nodename string, effective bool) error {
	if err := naming.ValidateNodename(nodename); err != nil {
		return err
	}
	b.String("node-name", nodename)

	readOnly := qjson.TristateAbsent
	autoReadOnly := qjson.TristateAbsent
	var discard chain.DiscardPolicy
	var detectZeroes chain.DetectZeroes

	if effective {
		discard = src.Discard
		detectZeroes = src.DetectZeroes.Resolve(src.Discard)
		readOnly = qjson.FromBool(src.ReadOnly)
	} else {
		t := src.ActualType()
		if (t == chain.DiskTypeFile || t == chain.DiskTypeBlock) &&
			src.FDGroup != nil && src.FDGroup.Count == 1 {
			if src.FDGroup.Writable {
				readOnly = qjson.TristateNo
			} else {
				readOnly = qjson.FromBool(src.ReadOnly)
			}
		} else {
			autoReadOnly = qjson.TristateYes
		}
		discard = chain.DiscardUnmap
	}

	b.Tristate("read-only", readOnly)
	b.Tristate("auto-read-only", autoReadOnly)
	b.StringOpt("discard", string(discard))
	b.StringOpt("detect-zeroes", string(detectZeroes))

	if direct, noflush, specified := src.CacheMode.Flags(); specified {
		cache, err := qjson.NewObjectBuilder().
			Bool("direct", direct).
			Bool("no-flush", noflush).
			Build()
		if err != nil {
			return err
		}
		b.Object("cache", cache)
	}

	return b.Err()
}
