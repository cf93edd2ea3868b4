// Package attach stages and applies the device-manager changes that bring
// a storage layer online: block nodes for the storage, slice, and format
// layers plus the helper objects they reference (secrets, TLS credentials,
// persistent-reservation managers, character devices, descriptor sets).
//
// The device manager only exposes imperative single-object commands, so
// all-or-nothing behavior is layered on top. The Prepare functions build
// every property set up front without touching the VM, so configuration
// errors surface before the first command. Apply creates sub-objects in
// dependency order and marks each one attached as it lands; Rollback
// removes exactly the marked ones in reverse order. The error that
// triggered a rollback stays the operation's error; cleanup failures are
// only logged.
//
// Chain-level helpers repeat the per-layer protocol across a backing
// chain: attach runs bottom to top so a layer's backing exists before the
// layer that references it, detach runs top to bottom.
package attach
