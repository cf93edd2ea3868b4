package bitmap

import (
	"github.com/blockplane/blockplane/internal/chain"
)

// ActiveWriteBitmapName is the transient bitmap registered during a pivot
// to capture writes racing the switch-over. It is always folded into
// pending merges and removed afterwards; it never persists.
const ActiveWriteBitmapName = "blockplane-tmp-activewrite"

// Entry is one dirty bitmap as reported by the device manager.
type Entry struct {
	Name         string
	Granularity  uint64
	Recording    bool
	Persistent   bool
	Busy         bool
	Inconsistent bool
}

// NodeMap indexes device-manager bitmap metadata by node name.
type NodeMap map[string][]Entry

// Lookup returns the bitmap with the given name on the given node, or nil.
func (m NodeMap) Lookup(node, name string) *Entry {
	for i := range m[node] {
		if m[node][i].Name == name {
			return &m[node][i]
		}
	}
	return nil
}

// lookupSource resolves a layer to its effective node and looks the bitmap
// up there; bitmaps live on the node the rest of the graph references.
func (m NodeMap) lookupSource(src *chain.Source, name string) *Entry {
	return m.Lookup(src.EffectiveNodename(), name)
}

// ChainIsValid reports whether the bitmap called name forms a usable
// checkpoint over the chain starting at top. The bitmap must:
//
//  1. exist at the top layer,
//  2. appear in consecutive layers with no gaps below the last occurrence,
//  3. be recording, persistent, and consistent everywhere it appears.
//
// The predicate is pure: it only reads the chain and the metadata.
func ChainIsValid(top *chain.Source, name string, nodes NodeMap) bool {
	found := false
	chainEnded := false
	valid := true

	chain.Walk(top, func(n *chain.Source) bool {
		entry := nodes.lookupSource(n, name)
		if entry == nil {
			if !found {
				// rule 1, must start at the top
				valid = false
				return false
			}
			chainEnded = true
			return true
		}

		// rule 2, no gaps
		if chainEnded {
			valid = false
			return false
		}

		// rule 3
		if entry.Inconsistent || !entry.Persistent || !entry.Recording {
			valid = false
			return false
		}

		found = true
		return true
	})

	return valid && found
}
