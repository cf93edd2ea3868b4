// Package monitor is the command channel to a virtual machine's device
// manager (QMP).
//
// The protocol is strict request/response with one in-flight command per
// session, so Client serializes exchanges with a per-VM mutex held only for
// the duration of a single command. Long-running waits (job polling) never
// hold the lock between refreshes; see internal/blockjob.
//
// Client is transport-agnostic: anything with Run([]byte) ([]byte, error)
// works. Production transports are the direct QMP unix socket
// (github.com/digitalocean/go-qemu/qmp.SocketMonitor satisfies Commander
// as-is) and the libvirt monitor passthrough (NewLibvirtCommander over a
// go-libvirt connection). Tests substitute a scripted fake.
//
// Command rejections are surfaced as *Error carrying the device manager's
// class and message verbatim; they are never retried here.
package monitor
