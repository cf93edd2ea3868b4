package backend

import (
	"fmt"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/qjson"
)

// CreateStorageProps builds blockdev-create options allocating the
// protocol-level storage of src, sized from its physical size. Protocols
// whose storage cannot be allocated through the VM return nil without
// error; creation is then the caller's problem.
func CreateStorageProps(src *chain.Source) (*qjson.Object, error) {
	b := qjson.NewObjectBuilder()

	switch t := src.ActualType(); t {
	case chain.DiskTypeFile:
		b.String("driver", "file")
		b.String("filename", src.Path)
		b.Uint("size", src.PhysicalSize)
		b.StringOpt("preallocation", src.Preallocation)

	case chain.DiskTypeNetwork:
		switch src.Protocol {
		case chain.ProtocolGluster, chain.ProtocolRBD, chain.ProtocolSSH, chain.ProtocolNFS:
			lb := qjson.NewObjectBuilder()
			if err := protocolBuilders[src.Protocol].build(lb, src, false); err != nil {
				return nil, err
			}
			location, err := lb.Build()
			if err != nil {
				return nil, err
			}
			b.String("driver", string(src.Protocol))
			b.Object("location", location)
			b.Uint("size", src.PhysicalSize)
		default:
			return nil, nil
		}

	case chain.DiskTypeBlock, chain.DiskTypeDir, chain.DiskTypeVolume,
		chain.DiskTypeNVMe, chain.DiskTypeVhostUser, chain.DiskTypeVhostVDPA:
		return nil, nil

	default:
		return nil, fmt.Errorf("cannot create storage for disk type %q", t)
	}

	return b.Build()
}

// CreateFormatProps builds blockdev-create options formatting src over
// its already-open storage node, sized from its logical capacity. backing
// supplies the recorded backing reference. Formats with nothing to create
// return nil without error; plain raw storage is already its own format.
func CreateFormatProps(src *chain.Source, backing *chain.Source) (*qjson.Object, error) {
	switch src.Format {
	case chain.FormatRaw:
		if !src.IsLUKS() {
			return nil, nil
		}
		return createLUKSProps(src)

	case chain.FormatLUKS:
		return createLUKSProps(src)

	case chain.FormatQcow2:
		return createQcow2Props(src, backing)

	case chain.FormatQcow:
		return createQcowProps(src, backing)

	case chain.FormatQED:
		return createQedProps(src, backing)

	case chain.FormatVPC, chain.FormatParallels, chain.FormatVDI, chain.FormatVHDX:
		return createGenericProps(src, string(src.Format), nil)

	case chain.FormatVMDK:
		return createGenericProps(src, "vmdk", backing)

	case chain.FormatFAT, chain.FormatBochs, chain.FormatCloop, chain.FormatDMG,
		chain.FormatCow, chain.FormatDir, chain.FormatISO:
		return nil, nil

	case chain.FormatAuto, chain.FormatNone:
		return nil, fmt.Errorf("cannot create an image in format %q", src.Format)
	}
	return nil, fmt.Errorf("unknown storage format %q", src.Format)
}

// addCreateBacking records the textual backing reference of a new image.
// withFormat pins the backing format too, which stops the created image
// from probing its backing header later.
func addCreateBacking(b *qjson.ObjectBuilder, backing *chain.Source, withFormat bool) error {
	if backing.IsTerminator() {
		return nil
	}
	ref, err := BackingStoreString(backing, false)
	if err != nil {
		return err
	}
	b.String("backing-file", ref)
	if withFormat {
		format := string(backing.Format)
		if backing.IsLUKS() {
			format = "luks"
		}
		b.String("backing-fmt", format)
	}
	return nil
}

func addLUKSKeySecret(b *qjson.ObjectBuilder, src *chain.Source) error {
	if src.Encryption == nil || len(src.Encryption.SecretAliases) == 0 {
		return fmt.Errorf("luks creation requires an encryption secret")
	}
	b.String("key-secret", src.Encryption.SecretAliases[0])
	return nil
}

func addCreateEncryptionQcow(b *qjson.ObjectBuilder, src *chain.Source) error {
	if src.Encryption == nil {
		return nil
	}
	if src.Encryption.Format != chain.EncryptionFormatLUKS {
		return unsupportedf("creation of qcow and qcow2 images supports only luks encryption")
	}
	eb := qjson.NewObjectBuilder()
	if err := addLUKSKeySecret(eb, src); err != nil {
		return err
	}
	eb.String("format", "luks")
	encrypt, err := eb.Build()
	if err != nil {
		return err
	}
	b.Object("encrypt", encrypt)
	return nil
}

func createLUKSProps(src *chain.Source) (*qjson.Object, error) {
	b := qjson.NewObjectBuilder()
	if err := addLUKSKeySecret(b, src); err != nil {
		return nil, err
	}
	b.String("driver", "luks")
	b.String("file", src.EffectiveStorageNodename())
	b.Uint("size", src.Capacity)
	return b.Build()
}

func createQcow2Props(src *chain.Source, backing *chain.Source) (*qjson.Object, error) {
	var version string
	switch src.Compat {
	case "0.10":
		version = "v2"
	case "1.1":
		version = "v3"
	}

	b := qjson.NewObjectBuilder()
	b.String("driver", "qcow2")
	b.String("file", src.EffectiveStorageNodename())
	b.Uint("size", src.Capacity)
	b.StringOpt("version", version)
	b.UintOmitZero("cluster-size", src.ClusterSize)
	b.BoolOmitFalse("extended-l2", src.ExtendedL2)
	if err := addCreateBacking(b, backing, true); err != nil {
		return nil, err
	}
	if err := addCreateEncryptionQcow(b, src); err != nil {
		return nil, err
	}
	return b.Build()
}

func createQcowProps(src *chain.Source, backing *chain.Source) (*qjson.Object, error) {
	b := qjson.NewObjectBuilder()
	b.String("driver", "qcow")
	b.String("file", src.EffectiveStorageNodename())
	b.Uint("size", src.Capacity)
	if err := addCreateBacking(b, backing, false); err != nil {
		return nil, err
	}
	if err := addCreateEncryptionQcow(b, src); err != nil {
		return nil, err
	}
	return b.Build()
}

func createQedProps(src *chain.Source, backing *chain.Source) (*qjson.Object, error) {
	b := qjson.NewObjectBuilder()
	b.String("driver", "qed")
	b.String("file", src.EffectiveStorageNodename())
	b.Uint("size", src.Capacity)
	if err := addCreateBacking(b, backing, true); err != nil {
		return nil, err
	}
	return b.Build()
}

func createGenericProps(src *chain.Source, driver string, backing *chain.Source) (*qjson.Object, error) {
	b := qjson.NewObjectBuilder()
	b.String("driver", driver)
	b.String("file", src.EffectiveStorageNodename())
	b.Uint("size", src.Capacity)
	if backing != nil {
		if err := addCreateBacking(b, backing, false); err != nil {
			return nil, err
		}
	}
	return b.Build()
}
