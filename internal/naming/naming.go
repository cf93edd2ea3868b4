// Package naming provides the naming conventions for device-manager
// resources: block graph node names, helper object aliases, and job names.
//
// Node names are deterministic functions of a per-VM sequence number owned
// by the VM's state document, so a management-process restart can re-derive
// which nodes belong to which chain layer. Object aliases are derived from
// the node they serve, so the object created for a layer can always be
// found again from the layer's node name alone.
package naming

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// nodePrefix namespaces every node this daemon creates, so foreign nodes in
// the same block graph are never mistaken for ours.
const nodePrefix = "blockplane"

// PRHelperManagedAlias is the alias of the shared persistent-reservation
// helper owned by the daemon. Unmanaged helpers get per-node aliases.
const PRHelperManagedAlias = "pr-helper0"

// nodeNameRe matches what the device manager accepts for a node name:
// starts with a letter, then letters, digits, '-', '.', '_'.
var nodeNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]*$`)

// maxNodenameLen is the device manager's hard limit on node name length.
const maxNodenameLen = 31

// StorageNodename returns the protocol-layer node name for sequence index n.
// Format: blockplane-{n}-storage
func StorageNodename(n uint64) string {
	return fmt.Sprintf("%s-%d-storage", nodePrefix, n)
}

// FormatNodename returns the format-layer node name for sequence index n.
// Format: blockplane-{n}-format
func FormatNodename(n uint64) string {
	return fmt.Sprintf("%s-%d-format", nodePrefix, n)
}

// SliceNodename returns the slice-layer node name for sequence index n. The
// suffix marks it as a raw view over the storage node.
// Format: blockplane-{n}-slice-sto
func SliceNodename(n uint64) string {
	return fmt.Sprintf("%s-%d-slice-sto", nodePrefix, n)
}

// CopyOnReadNodename returns the node name of a disk's copy-on-read layer
// for sequence index n.
// Format: blockplane-{n}-cor
func CopyOnReadNodename(n uint64) string {
	return fmt.Sprintf("%s-%d-cor", nodePrefix, n)
}

// IsManagedNodename reports whether a node name was generated by this
// daemon.
func IsManagedNodename(name string) bool {
	return strings.HasPrefix(name, nodePrefix+"-")
}

// ValidateNodename rejects names the device manager would refuse.
func ValidateNodename(name string) error {
	if name == "" {
		return fmt.Errorf("node name is required")
	}
	if len(name) > maxNodenameLen {
		return fmt.Errorf("node name %q exceeds %d characters", name, maxNodenameLen)
	}
	if !nodeNameRe.MatchString(name) {
		return fmt.Errorf("node name %q must start with a letter and contain only letters, digits, '-', '.', '_'", name)
	}
	return nil
}

// AuthSecretAlias returns the alias of the secret object carrying protocol
// authentication credentials for a storage node.
// Format: {node}-auth-secret0
func AuthSecretAlias(node string) string {
	return node + "-auth-secret0"
}

// CookieSecretAlias returns the alias of the secret object carrying the
// HTTP cookie string for a storage node.
// Format: {node}-httpcookie-secret0
func CookieSecretAlias(node string) string {
	return node + "-httpcookie-secret0"
}

// TLSKeySecretAlias returns the alias of the secret object that decrypts
// the TLS client key for a storage node.
// Format: {node}-tlskey-secret0
func TLSKeySecretAlias(node string) string {
	return node + "-tlskey-secret0"
}

// TLSAlias returns the alias of the TLS credentials object for a storage
// node.
// Format: {node}-tls0
func TLSAlias(node string) string {
	return node + "-tls0"
}

// EncryptSecretAlias returns the alias of the i-th encryption passphrase
// secret for a format node.
// Format: {node}-encrypt-secret{i}
func EncryptSecretAlias(node string, i int) string {
	return fmt.Sprintf("%s-encrypt-secret%d", node, i)
}

// PRManagerAlias returns the alias of the persistent-reservation helper
// object serving a storage node. Managed helpers share one daemon-owned
// object.
func PRManagerAlias(node string, managed bool) string {
	if managed {
		return PRHelperManagedAlias
	}
	return "pr-helper-" + node
}

// ChardevAlias returns the character device id serving a vhost-user disk's
// storage node.
// Format: chr-{node}
func ChardevAlias(node string) string {
	return "chr-" + node
}

// JobName returns a unique block-job name.
// Format: {kind}-{disk}-{8 hex chars}
//
// Example: commit-vda-1f4b9c2e
func JobName(kind, disk string) string {
	id := uuid.New().String()
	return fmt.Sprintf("%s-%s-%s", kind, disk, id[:8])
}

// ExportName returns the default NBD export name for a disk target.
func ExportName(disk string) string {
	return disk
}
