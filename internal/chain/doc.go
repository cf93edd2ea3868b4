// Package chain models virtual disk storage sources and their backing
// chains.
//
// A Source describes one layer of a disk image: where the bytes live (local
// file, block device, NVMe namespace, network protocol), how they are
// interpreted (image format, encryption), and the node names under which
// the layer is known inside the device manager's block graph. Layers link
// downward through BackingStore, forming a singly linked chain that ends in
// an explicit terminator layer (a deliberately ended chain) or nil (backing
// not yet probed).
//
// Node identity resolution:
//
//   - Effective node: format node if present, else slice node, else storage
//     node. This is the node a guest-facing device or an overlay references.
//   - Effective storage node: slice node if present, else storage node.
//     This is what a format node's "file" property references.
//
// Chains arrive from outside callers, so they are never trusted blindly:
// Validate walks a new or extended chain with a cycle check and a depth
// bound before any other component touches it.
//
// The package is pure data and accessors; mutation (rewriting backing
// pointers during commit or pivot) happens in the packages that own the
// respective operations, under the per-VM lock.
package chain
