package backend

import (
	"fmt"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/qjson"
)

// FormatProps builds the bag opening the format layer of src over its
// effective storage node.
//
// The backing key names the backing layer's effective node. A terminator
// backing emits an explicit null so the device manager does not probe the
// image header of a deliberately truncated chain; a nil backing omits the
// key and leaves probing on.
func FormatProps(src *chain.Source, backingStore *chain.Source) (*qjson.Object, error) {
	if backingStore != nil && !backingStore.IsTerminator() && !src.Format.SupportsBacking() {
		return nil, unsupportedf("storage format %q does not support backing store", src.Format)
	}

	b := qjson.NewObjectBuilder()
	if err := commonProps(b, src, src.NodenameFormat, true); err != nil {
		return nil, err
	}
	if err := formatDriverProps(b, src); err != nil {
		return nil, err
	}

	b.String("file", src.EffectiveStorageNodename())
	if backingStore != nil && src.Format.SupportsBacking() {
		if backingStore.IsTerminator() {
			b.Null("backing")
		} else {
			b.String("backing", backingStore.EffectiveNodename())
		}
	}
	return b.Build()
}

func formatDriverProps(b *qjson.ObjectBuilder, src *chain.Source) error {
	switch src.Format {
	case chain.FormatFAT:
		// The FAT emulation lives in the storage layer; the format layer
		// on top reads it as raw.
		b.String("driver", "raw")

	case chain.FormatRaw:
		if !src.IsLUKS() {
			b.String("driver", "raw")
			break
		}
		fallthrough
	case chain.FormatLUKS:
		if src.Encryption == nil || len(src.Encryption.SecretAliases) == 0 {
			return fmt.Errorf("missing secret for luks decryption of %q", src.NodenameFormat)
		}
		b.String("driver", "luks")
		b.String("key-secret", src.Encryption.SecretAliases[0])

	case chain.FormatQcow2:
		b.String("driver", "qcow2")
		if err := cryptoProps(b, src); err != nil {
			return err
		}
		b.UintOmitZero("cache-size", src.MetadataCacheSize)
		b.Tristate("discard-no-unref", qjson.FromBoolPtr(src.DiscardNoUnref))
		if src.DataFile != nil {
			b.String("data-file", src.DataFile.EffectiveNodename())
		}

	case chain.FormatQcow:
		b.String("driver", "qcow")
		if err := cryptoProps(b, src); err != nil {
			return err
		}

	case chain.FormatBochs, chain.FormatCloop, chain.FormatDMG, chain.FormatParallels,
		chain.FormatQED, chain.FormatVDI, chain.FormatVHDX, chain.FormatVMDK, chain.FormatVPC:
		b.String("driver", string(src.Format))

	case chain.FormatAuto, chain.FormatNone, chain.FormatCow, chain.FormatDir, chain.FormatISO:
		return unsupportedf("storage format %q cannot be opened as a format layer", src.Format)

	default:
		return fmt.Errorf("unknown storage format %q", src.Format)
	}
	return nil
}

// cryptoProps appends the encryption sub-object of formats decrypted by
// the format layer itself.
func cryptoProps(b *qjson.ObjectBuilder, src *chain.Source) error {
	enc := src.Encryption
	if enc == nil || enc.Engine == chain.EncryptionEngineLibrbd || len(enc.SecretAliases) == 0 {
		return nil
	}

	var format string
	switch enc.Format {
	case chain.EncryptionFormatQcowAES:
		format = "aes"
	case chain.EncryptionFormatLUKS:
		format = "luks"
	default:
		return unsupportedf("encryption format %q is not supported by the format layer", enc.Format)
	}

	obj, err := qjson.NewObjectBuilder().
		String("format", format).
		String("key-secret", enc.SecretAliases[0]).
		Build()
	if err != nil {
		return err
	}
	b.Object("encrypt", obj)
	return nil
}

// SliceProps builds the byte-range restriction stacked on the storage
// node. With resize set the offset and size are left out, which lifts the
// restriction so the underlying image can be grown.
func SliceProps(src *chain.Source, effective, resize bool) (*qjson.Object, error) {
	if src.Slice == nil {
		return nil, fmt.Errorf("source has no slice restriction to build")
	}

	b := qjson.NewObjectBuilder()
	b.String("driver", "raw")
	b.String("file", src.NodenameStorage)
	if !resize {
		b.Uint("offset", src.Slice.Offset)
		b.Uint("size", src.Slice.Size)
	}
	if err := commonProps(b, src, src.NodenameSlice, effective); err != nil {
		return nil, err
	}
	return b.Build()
}
