package monitor

import (
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-qemu/qmp"
)

// DialSocket connects to a VM's QMP unix socket directly and negotiates
// capabilities. The returned monitor satisfies Commander.
func DialSocket(path string, timeout time.Duration) (*qmp.SocketMonitor, error) {
	mon, err := qmp.NewSocketMonitor("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("creating monitor for %s: %w", path, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("connecting monitor %s: %w", path, err)
	}
	return mon, nil
}

// virtMonitor is the slice of the libvirt API used for monitor passthrough.
// *libvirt.Libvirt satisfies it.
type virtMonitor interface {
	QEMUDomainMonitorCommand(dom libvirt.Domain, cmd string, flags uint32) (string, error)
}

// LibvirtCommander routes QMP commands through a libvirt connection's
// monitor passthrough, for hosts where the QMP socket is owned by libvirt.
type LibvirtCommander struct {
	virt virtMonitor
	dom  libvirt.Domain
}

// NewLibvirtCommander returns a Commander for the given domain.
func NewLibvirtCommander(virt virtMonitor, dom libvirt.Domain) *LibvirtCommander {
	return &LibvirtCommander{virt: virt, dom: dom}
}

// Run implements Commander.
func (l *LibvirtCommander) Run(cmd []byte) ([]byte, error) {
	res, err := l.virt.QEMUDomainMonitorCommand(l.dom, string(cmd), 0)
	if err != nil {
		return nil, err
	}
	return []byte(res), nil
}
