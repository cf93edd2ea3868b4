// Package qjson provides the JSON value tree used to build QMP command
// arguments.
//
// The device manager's wire protocol is JSON, but Go's encoding/json maps
// are unordered and silently overwrite duplicate keys. Property bags sent
// to the device manager are built incrementally by several cooperating
// layers (protocol props, then format props, then cross-cutting props), so
// this package provides:
//
//   - Object: an append-only, order-preserving JSON object that rejects
//     duplicate keys, making accidental double-writes a hard error instead
//     of a silent overwrite.
//   - ObjectBuilder: typed setters with per-type omission rules (omit empty
//     string, omit zero, omit false, tristate), so optional QMP fields are
//     dropped rather than sent as zero values.
//
// Values marshal with encoding/json via MarshalJSON, emitting keys in
// insertion order. Numbers are carried as literal text to avoid float
// round-tripping.
//
// Example:
//
//	props, err := qjson.NewObjectBuilder().
//	    String("driver", "file").
//	    String("filename", "/var/lib/images/disk.raw").
//	    BoolOmitFalse("read-only", ro).
//	    Build()
package qjson
