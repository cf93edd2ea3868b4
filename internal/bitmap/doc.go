// Package bitmap validates dirty-bitmap chains and plans bitmap merges
// across backing-chain restructuring (commit, copy, backup).
//
// Dirty bitmaps implement incremental backup checkpoints: each layer of a
// backing chain may carry a bitmap of the same name, recording writes made
// while that layer was the active one. When layers are merged or copied
// away, the per-layer bitmaps must be merged so the checkpoint remains
// meaningful when viewed from the new chain top.
//
// A bitmap name is considered usable over a chain only if it starts at the
// top layer, appears in consecutive layers without gaps, and every
// occurrence is recording, persistent, and consistent. Names failing the
// predicate are silently skipped during planning; callers that care must
// check ChainIsValid themselves.
//
// All planned operations for one reconciliation are packed into a single
// transaction array so the device manager applies them atomically.
package bitmap
