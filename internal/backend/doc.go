// Package backend renders chain layers into the property bags the VM's
// device manager consumes.
//
// A layer opens as up to three stacked nodes, each with its own bag:
//
//   - StorageProps describes the protocol layer (a file, a device, or a
//     network client). The driver is selected from the layer's resolved
//     type, and network protocols each enforce their own host cardinality
//     and required fields before anything is sent to the VM.
//   - SliceProps describes the optional byte-range restriction stacked on
//     the storage node.
//   - FormatProps describes the interpreting layer (qcow2, luks, ...) and
//     carries the reference to the backing layer's effective node.
//
// Every bag ends with a common property pass (node name, read-only
// handling, discard, detect-zeroes, cache). Defaults differ between the
// guest-facing effective layer and internal layers: internal layers get
// auto-read-only and discard "unmap" so later graph surgery stays
// possible, the effective layer gets exactly what the disk asked for.
//
// Bags for blockdev-create (CreateStorageProps, CreateFormatProps) and the
// textual backing reference recorded inside overlay images
// (BackingStoreString) are produced here too, so every place that names a
// layer agrees on its spelling.
package backend
