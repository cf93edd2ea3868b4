package attach

import (
	"fmt"
	"os"

	"github.com/blockplane/blockplane/internal/backend"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/naming"
	"github.com/blockplane/blockplane/internal/qjson"
)

// Data is the transient attach record for one chain layer. The property
// sets are filled by the Prepare functions; the attached markers are set
// by Apply as each sub-object lands, or by DetachPrepare for sub-objects
// that already exist. Rollback and detach tear down exactly the marked
// sub-objects, nothing else.
type Data struct {
	StorageProps    *qjson.Object
	StorageNodename string
	StorageAttached bool

	SliceProps    *qjson.Object
	SliceNodename string
	SliceAttached bool

	FormatProps    *qjson.Object
	FormatNodename string
	FormatAttached bool

	PRManagerProps *qjson.Object
	PRManagerAlias string
	PRManagerAdded bool

	AuthSecretProps *qjson.Object
	AuthSecretAlias string
	AuthSecretAdded bool

	CookieSecretProps *qjson.Object
	CookieSecretAlias string
	CookieSecretAdded bool

	TLSKeySecretProps *qjson.Object
	TLSKeySecretAlias string
	TLSKeySecretAdded bool

	TLSProps *qjson.Object
	TLSAlias string
	TLSAdded bool

	// Encryption passphrase secrets are created in slice order, so the
	// ones that landed are always a prefix. EncryptSecretsAdded counts
	// them.
	EncryptSecretProps   []*qjson.Object
	EncryptSecretAliases []string
	EncryptSecretsAdded  int

	ChardevProps *qjson.Object
	ChardevAlias string
	ChardevAdded bool

	// FDGroup, when set, is transferred into the VM's descriptor table
	// before the storage node references its set path. FDFiles holds the
	// open descriptors in registration order; the caller supplies them
	// after prepare and keeps ownership.
	FDGroup    *chain.FDGroup
	FDFiles    []*os.File
	FDSetAdded bool
}

// PrepareBlockdev builds the block-node property sets for attaching one
// layer. backing names the layer the format node opens underneath itself;
// nil leaves the backing reference untouched and a terminator pins it
// closed. Helper objects are prepared separately by PrepareCommon.
func PrepareBlockdev(src, backing *chain.Source) (*Data, error) {
	data := &Data{}
	effective := true

	if src.NodenameFormat != "" {
		props, err := backend.FormatProps(src, backing)
		if err != nil {
			return nil, err
		}
		data.FormatProps = props
		data.FormatNodename = src.NodenameFormat
		effective = false
	}

	if src.NodenameSlice != "" {
		props, err := backend.SliceProps(src, effective, false)
		if err != nil {
			return nil, err
		}
		data.SliceProps = props
		data.SliceNodename = src.NodenameSlice
		effective = false
	}

	props, err := backend.StorageProps(src, backend.Flags{EffectiveNode: effective})
	if err != nil {
		return nil, err
	}
	data.StorageProps = props
	data.StorageNodename = src.NodenameStorage

	return data, nil
}

// PrepareChardev builds the attach record for a vhost-user layer, which
// reaches the VM as a character device instead of block nodes.
func PrepareChardev(src *chain.Source) (*Data, error) {
	if src.NodenameStorage == "" {
		return nil, fmt.Errorf("vhost-user layer has no node name assigned")
	}
	props, err := chardevBackendProps(src)
	if err != nil {
		return nil, err
	}
	return &Data{
		ChardevProps: props,
		ChardevAlias: naming.ChardevAlias(src.NodenameStorage),
	}, nil
}

// DetachPrepare marks every sub-object of an already attached layer for
// teardown. It never touches the device manager. The managed
// persistent-reservation helper is shared by all disks of the VM and is
// deliberately not marked; only per-layer helpers are.
func DetachPrepare(src *chain.Source) *Data {
	data := &Data{}

	if src.NodenameFormat != "" {
		data.FormatNodename = src.NodenameFormat
		data.FormatAttached = true
	}
	if src.NodenameSlice != "" {
		data.SliceNodename = src.NodenameSlice
		data.SliceAttached = true
	}
	if src.NodenameStorage != "" {
		data.StorageNodename = src.NodenameStorage
		data.StorageAttached = true
	}

	if src.PRManager != nil && !src.PRManager.Managed {
		data.PRManagerAlias = naming.PRManagerAlias(src.NodenameStorage, false)
		data.PRManagerAdded = true
	}
	if src.Auth != nil && src.Auth.SecretAlias != "" {
		data.AuthSecretAlias = src.Auth.SecretAlias
		data.AuthSecretAdded = true
	}
	if len(src.Cookies) > 0 && curlProtocol(src.Protocol) {
		data.CookieSecretAlias = naming.CookieSecretAlias(src.NodenameStorage)
		data.CookieSecretAdded = true
	}
	if src.TLS {
		data.TLSAlias = naming.TLSAlias(src.NodenameStorage)
		data.TLSAdded = true
		if src.TLSKeySecret {
			data.TLSKeySecretAlias = naming.TLSKeySecretAlias(src.NodenameStorage)
			data.TLSKeySecretAdded = true
		}
	}
	if src.Encryption != nil && len(src.Encryption.SecretAliases) > 0 {
		data.EncryptSecretAliases = append([]string(nil), src.Encryption.SecretAliases...)
		data.EncryptSecretsAdded = len(data.EncryptSecretAliases)
	}
	if src.FDGroup != nil {
		data.FDGroup = src.FDGroup
		data.FDSetAdded = true
	}

	return data
}
