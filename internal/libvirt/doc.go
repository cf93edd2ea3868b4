// Package libvirt provides a client wrapper for interacting with libvirt.
//
// This package wraps github.com/digitalocean/go-libvirt to provide:
//   - Connection management (connect, disconnect, ping)
//   - Domain lookup and domain XML retrieval
//   - Translation of domain disk XML into storage chains
//   - A monitor.Commander routed through the libvirt QMP passthrough
//
// The Client type provides a high-level interface for libvirt operations,
// while exposing the underlying *libvirt.Libvirt for packages that need
// direct access to the libvirt API.
//
// Connection Management:
//
// The package establishes connections to the local libvirt daemon via Unix socket:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	// Check connection
//	if err := client.Ping(); err != nil {
//	    return err
//	}
//
// Disk Sources:
//
// DiskSources parses the <disk> elements of a domain XML document, including
// their <backingStore> trees, into chain.Source chains:
//
//	xml, err := client.DomainXML("myvm")
//	if err != nil {
//	    return err
//	}
//	disks, err := libvirt.DiskSources(xml)
//
// The chains carry no node names; those are assigned from the per-VM state
// document before any monitor operation runs.
package libvirt
