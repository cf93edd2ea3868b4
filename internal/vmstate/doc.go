// Package vmstate persists the per-VM control-plane state: the node name
// sequence, the recorded disk chains, and the job registry. One YAML
// document per VM lives under the configured state directory; the daemon
// reloads it on restart to re-adopt running jobs and to keep node names
// unique across the VM's lifetime.
package vmstate
