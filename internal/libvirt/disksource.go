package libvirt

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/blockplane/blockplane/internal/chain"
)

// Disk is one guest disk and its parsed storage chain. Target is the guest
// device name the monitor operations address ("vda", "sdb").
type Disk struct {
	Target string
	Bus    string
	Device string // disk, cdrom, floppy, lun
	Source *chain.Source
}

// DiskSources parses a domain XML document into the storage chains of its
// disks. Removable drives without media are skipped. The returned chains
// carry no node names; assignment happens against the per-VM state document.
func DiskSources(domXML string) ([]Disk, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(domXML); err != nil {
		return nil, errors.Wrap(err, "parsing domain XML")
	}
	if dom.Devices == nil {
		return nil, nil
	}

	var out []Disk
	for i := range dom.Devices.Disks {
		d := &dom.Devices.Disks[i]
		if d.Target == nil || d.Target.Dev == "" {
			return nil, errors.New("disk without a target device")
		}
		src, err := diskSource(d)
		if err != nil {
			return nil, errors.Wrapf(err, "disk %s", d.Target.Dev)
		}
		if src == nil {
			continue
		}
		out = append(out, Disk{
			Target: d.Target.Dev,
			Bus:    d.Target.Bus,
			Device: d.Device,
			Source: src,
		})
	}
	return out, nil
}

// diskSource translates one <disk> element, backing store included. A nil
// result with nil error is an empty removable drive.
func diskSource(d *libvirtxml.DomainDisk) (*chain.Source, error) {
	if d.Source == nil {
		if d.Device == "cdrom" || d.Device == "floppy" {
			return nil, nil
		}
		return nil, errors.New("disk has no source")
	}

	top, err := layerSource(d.Source)
	if err != nil {
		return nil, err
	}

	top.Format = chain.FormatRaw
	if d.Driver != nil {
		if d.Driver.Type != "" {
			top.Format = chain.Format(d.Driver.Type)
		}
		top.CacheMode = chain.CacheMode(d.Driver.Cache)
		top.Discard = chain.DiscardPolicy(d.Driver.Discard)
		top.DetectZeroes = chain.DetectZeroes(d.Driver.DetectZeros)
		top.IOMode = d.Driver.IO
	}
	if d.ReadOnly != nil || d.Device == "cdrom" {
		top.ReadOnly = true
	}
	if d.Device == "floppy" && top.Type == chain.DiskTypeDir {
		top.Floppy = true
	}
	if d.Auth != nil && top.Auth == nil {
		top.Auth = diskAuth(d.Auth)
	}

	backing, err := backingChain(d.BackingStore, 1)
	if err != nil {
		return nil, err
	}
	top.BackingStore = backing

	if err := chain.Validate(top); err != nil {
		return nil, err
	}
	return top, nil
}

// backingChain translates a <backingStore> tree recursively. A present but
// sourceless element is libvirt's explicit end-of-chain marker; an absent
// one means the chain below is unprobed.
func backingChain(bs *libvirtxml.DomainDiskBackingStore, depth int) (*chain.Source, error) {
	if bs == nil {
		return nil, nil
	}
	if depth > chain.MaxDepth {
		return nil, chain.ErrTooDeep
	}
	if bs.Source == nil {
		return chain.NewTerminator(), nil
	}

	layer, err := layerSource(bs.Source)
	if err != nil {
		return nil, errors.Wrapf(err, "backing layer %d", depth)
	}

	layer.Format = chain.FormatRaw
	if bs.Format != nil && bs.Format.Type != "" {
		layer.Format = chain.Format(bs.Format.Type)
	}
	// Backing images are opened read-only without exception.
	layer.ReadOnly = true

	below, err := backingChain(bs.BackingStore, depth+1)
	if err != nil {
		return nil, err
	}
	layer.BackingStore = below
	return layer, nil
}

// layerSource translates one <source> element into a layer, leaving the
// format and flags that live on the surrounding element to the caller.
func layerSource(s *libvirtxml.DomainDiskSource) (*chain.Source, error) {
	out := &chain.Source{NFSUser: -1, NFSGroup: -1}

	switch {
	case s.File != nil:
		out.Type = chain.DiskTypeFile
		out.Path = s.File.File
	case s.Block != nil:
		out.Type = chain.DiskTypeBlock
		out.Path = s.Block.Dev
	case s.Dir != nil:
		out.Type = chain.DiskTypeDir
		out.Path = s.Dir.Dir
	case s.Volume != nil:
		out.Type = chain.DiskTypeVolume
		out.PoolName = s.Volume.Pool
		out.VolumeName = s.Volume.Volume
	case s.Network != nil:
		if err := networkSource(out, s.Network); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("unsupported disk source type")
	}

	if s.Slices != nil {
		for i := range s.Slices.Slices {
			sl := &s.Slices.Slices[i]
			if sl.Type != "" && sl.Type != "storage" {
				return nil, errors.Errorf("unsupported slice type %q", sl.Type)
			}
			if out.Slice != nil {
				return nil, errors.New("multiple storage slices on one source")
			}
			out.Slice = &chain.Slice{Offset: uint64(sl.Offset), Size: uint64(sl.Size)}
		}
	}

	if s.Encryption != nil {
		enc, err := diskEncryption(s.Encryption)
		if err != nil {
			return nil, err
		}
		out.Encryption = enc
	}

	return out, nil
}

// networkSource fills the protocol-specific fields of a network layer.
func networkSource(out *chain.Source, n *libvirtxml.DomainDiskSourceNetwork) error {
	out.Type = chain.DiskTypeNetwork
	out.Protocol = chain.Protocol(n.Protocol)
	out.Query = n.Query

	switch out.Protocol {
	case chain.ProtocolGluster:
		// libvirt spells the reference "volume/path/to/image".
		volume, path, ok := strings.Cut(n.Name, "/")
		if !ok {
			return errors.Errorf("malformed gluster source name %q", n.Name)
		}
		out.Volume = volume
		out.Path = path
	case chain.ProtocolISCSI, chain.ProtocolNBD, chain.ProtocolRBD,
		chain.ProtocolSSH, chain.ProtocolNFS, chain.ProtocolHTTP, chain.ProtocolHTTPS,
		chain.ProtocolFTP, chain.ProtocolFTPS, chain.ProtocolTFTP:
		out.Path = n.Name
	default:
		return errors.Errorf("unsupported network protocol %q", n.Protocol)
	}

	for i := range n.Hosts {
		h := &n.Hosts[i]
		host := chain.Host{
			Name:      h.Name,
			Transport: chain.TransportTCP,
			Socket:    h.Socket,
		}
		if h.Transport != "" {
			host.Transport = chain.Transport(h.Transport)
		}
		if h.Socket != "" {
			host.Transport = chain.TransportUnix
		}
		if h.Port != "" {
			port, err := strconv.ParseUint(h.Port, 10, 16)
			if err != nil {
				return errors.Errorf("malformed port %q for host %s", h.Port, h.Name)
			}
			host.Port = uint(port)
		}
		out.Hosts = append(out.Hosts, host)
	}

	if n.TLS == "yes" {
		out.TLS = true
	}
	out.TLSHostname = n.TLSHostname
	if n.Auth != nil {
		out.Auth = diskAuth(n.Auth)
	}
	if n.Initiator != nil && n.Initiator.IQN != nil {
		out.Initiator = n.Initiator.IQN.Name
	}
	if n.Snapshot != nil {
		out.Snapshot = n.Snapshot.Name
	}
	if n.Config != nil {
		out.ConfigFile = n.Config.File
	}
	if n.Identity != nil {
		uid, gid, err := nfsIdentity(n.Identity)
		if err != nil {
			return err
		}
		out.NFSUser, out.NFSGroup = uid, gid
	}

	return nil
}

// nfsIdentity parses the numeric uid/gid of an NFS identity element. Named
// users cannot be forwarded to the device manager.
func nfsIdentity(id *libvirtxml.DomainDiskSourceNetworkIdentity) (int64, int64, error) {
	parse := func(v string) (int64, error) {
		if v == "" {
			return -1, nil
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Errorf("non-numeric NFS identity %q", v)
		}
		return n, nil
	}
	uid, err := parse(id.User)
	if err != nil {
		return 0, 0, err
	}
	gid, err := parse(id.Group)
	if err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

// diskAuth translates protocol authentication. The secret alias records the
// libvirt secret's usage name (or UUID); the secret store resolves it.
func diskAuth(a *libvirtxml.DomainDiskAuth) *chain.Auth {
	auth := &chain.Auth{Username: a.Username}
	if a.Secret != nil {
		auth.SecretAlias = secretAlias(a.Secret)
	}
	return auth
}

func diskEncryption(e *libvirtxml.DomainDiskEncryption) (*chain.Encryption, error) {
	enc := &chain.Encryption{Engine: chain.EncryptionEngineQEMU}
	switch e.Format {
	case "luks":
		enc.Format = chain.EncryptionFormatLUKS
	case "luks2":
		enc.Format = chain.EncryptionFormatLUKS2
	case "luks-any":
		enc.Format = chain.EncryptionFormatLUKSAny
	case "aes":
		enc.Format = chain.EncryptionFormatQcowAES
	default:
		return nil, errors.Errorf("unsupported encryption format %q", e.Format)
	}
	if e.Engine == "librbd" {
		enc.Engine = chain.EncryptionEngineLibrbd
	}
	for i := range e.Secrets {
		enc.SecretAliases = append(enc.SecretAliases, secretAlias(&e.Secrets[i]))
	}
	if len(enc.SecretAliases) == 0 {
		return nil, errors.New("encrypted source without a secret reference")
	}
	return enc, nil
}

func secretAlias(s *libvirtxml.DomainDiskSecret) string {
	if s.Usage != "" {
		return s.Usage
	}
	return s.UUID
}
