package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/digitalocean/go-qemu/qmp"

	"github.com/blockplane/blockplane/internal/attach"
	"github.com/blockplane/blockplane/internal/blockjob"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/config"
	"github.com/blockplane/blockplane/internal/hostaccess"
	"github.com/blockplane/blockplane/internal/libvirt"
	"github.com/blockplane/blockplane/internal/monitor"
	"github.com/blockplane/blockplane/internal/output"
	"github.com/blockplane/blockplane/internal/secrets"
	"github.com/blockplane/blockplane/internal/vmstate"
)

// session bundles the connections and state one command invocation needs:
// the monitor channel to the VM, the state store, and the job controller
// with previously persisted jobs re-adopted.
type session struct {
	cfg   *config.Config
	store *vmstate.Store
	vm    string

	virt *libvirt.Client
	sock *qmp.SocketMonitor

	mon *monitor.Client
	ctl *blockjob.Controller
	sec attach.SecretStore
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.DefaultConfig(), nil
}

// newSession connects to the named VM. The monitor channel is the VM's own
// QMP socket when one is configured, the libvirt passthrough otherwise.
func newSession(vm string) (*session, error) {
	if vm == "" {
		return nil, fmt.Errorf("--vm is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := cfg.Logger()
	timeout := time.Duration(cfg.ConnectTimeoutSec) * time.Second

	s := &session{
		cfg:   cfg,
		store: vmstate.NewStore(cfg.StateDir),
		vm:    vm,
	}

	var cmdr monitor.Commander
	socketPath := monitorSocket
	if socketPath == "" && cfg.MonitorSocketDir != "" {
		socketPath = filepath.Join(cfg.MonitorSocketDir, vm+".sock")
	}
	if socketPath != "" {
		sock, err := monitor.DialSocket(socketPath, timeout)
		if err != nil {
			return nil, err
		}
		s.sock = sock
		cmdr = sock
	} else {
		virt, err := libvirt.Connect(cfg.LibvirtSocket, timeout)
		if err != nil {
			return nil, err
		}
		s.virt = virt
		cmdr, err = virt.MonitorCommander(vm)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	s.mon = monitor.NewClient(cmdr, vm)
	s.sec = secrets.NewFileStore(filepath.Join(cfg.StateDir, "secrets"))
	s.ctl = blockjob.NewController(vm, s.mon,
		hostaccess.New(log),
		s.sec,
		vmstate.NewJobRecorder(s.store))

	if err := s.adoptJobs(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the session's connections.
func (s *session) Close() {
	if s.sock != nil {
		_ = s.sock.Disconnect()
	}
	if s.virt != nil {
		_ = s.virt.Close()
	}
}

// adoptJobs re-registers the persisted unfinished jobs of the VM, so this
// invocation can wait on, pivot, or abort jobs an earlier one started.
func (s *session) adoptJobs() error {
	doc, err := s.store.Load(s.vm)
	if err != nil {
		return err
	}
	for _, js := range doc.Jobs {
		top := s.persistedChain(doc, js.Disk)
		job, err := vmstate.JobFromState(s.vm, js, top)
		if err != nil {
			return fmt.Errorf("adopting persisted jobs: %w", err)
		}
		if job.State.Terminal() {
			continue
		}
		s.ctl.Adopt(job)
	}
	return nil
}

func (s *session) persistedChain(doc *vmstate.Doc, disk string) *chain.Source {
	if d := doc.Disk(disk); d != nil {
		return vmstate.ChainFromLayers(d.Chain)
	}
	return nil
}

// diskChain returns the chain of one disk with node names in place. With a
// libvirt connection the chain is probed from the live domain XML and the
// persisted node names are merged onto it; in direct-socket mode the
// persisted chain stands alone.
func (s *session) diskChain(disk string) (*chain.Source, error) {
	if s.virt == nil {
		doc, err := s.store.Load(s.vm)
		if err != nil {
			return nil, err
		}
		top := s.persistedChain(doc, disk)
		if top == nil {
			return nil, fmt.Errorf("disk %s is not recorded for VM %s; attach it first", disk, s.vm)
		}
		return top, nil
	}

	xmlDesc, err := s.virt.DomainXML(s.vm)
	if err != nil {
		return nil, err
	}
	disks, err := libvirt.DiskSources(xmlDesc)
	if err != nil {
		return nil, err
	}

	var top *chain.Source
	for _, d := range disks {
		if d.Target == disk {
			top = d.Source
			break
		}
	}
	if top == nil {
		return nil, fmt.Errorf("VM %s has no disk %s", s.vm, disk)
	}

	err = s.store.Update(s.vm, func(doc *vmstate.Doc) error {
		mergeNodenames(top, doc.Disk(disk))
		doc.AssignNodenames(top)
		doc.RecordChain(disk, top)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return top, nil
}

// mergeNodenames carries persisted node names over onto a freshly probed
// chain, matching layers by path. Unmatched layers are left for fresh
// assignment.
func mergeNodenames(top *chain.Source, rec *vmstate.DiskState) {
	if rec == nil {
		return
	}
	chain.Walk(top, func(layer *chain.Source) bool {
		for _, l := range rec.Chain {
			if l.Path != "" && l.Path == layer.Path {
				layer.NodenameStorage = l.NodenameStorage
				layer.NodenameSlice = l.NodenameSlice
				layer.NodenameFormat = l.NodenameFormat
				break
			}
		}
		return true
	})
}

// selectLayer resolves a layer reference: empty means none, a number is a
// depth into the chain (0 = top), anything else matches an image path.
func selectLayer(top *chain.Source, ref string) (*chain.Source, error) {
	if ref == "" {
		return nil, nil
	}
	if n, err := strconv.Atoi(ref); err == nil {
		layers := chain.Layers(top)
		if n < 0 || n >= len(layers) {
			return nil, fmt.Errorf("layer %d is out of range; the chain has %d layers", n, len(layers))
		}
		return layers[n], nil
	}
	layer := chain.Find(top, func(s *chain.Source) bool { return s.Path == ref })
	if layer == nil {
		return nil, fmt.Errorf("no layer with path %q in the chain", ref)
	}
	return layer, nil
}

// formatter builds the output formatter selected by the global flags.
func formatter() (output.Formatter, error) {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}
