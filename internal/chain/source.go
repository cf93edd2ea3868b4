package chain

import "fmt"

// Host is one endpoint of a network storage layer.
type Host struct {
	Name      string
	Port      uint
	Transport Transport
	Socket    string // unix socket path when Transport == TransportUnix
}

// NVMeAddress locates an NVMe namespace by PCI address.
type NVMeAddress struct {
	Domain    uint
	Bus       uint
	Slot      uint
	Function  uint
	Namespace uint64
}

// String renders the PCI address in the conventional
// domain:bus:slot.function form.
func (a *NVMeAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Slot, a.Function)
}

// FDGroup describes file descriptors handed to the device manager out of
// band, instead of a path it opens itself. Once registered, the group is
// addressed through its descriptor-set path.
type FDGroup struct {
	Name     string
	SetID    uint64 // assigned on registration
	Count    int
	Writable bool // exactly one descriptor was supplied and it is writable
}

// Path returns the descriptor-set pseudo-path for the registered group.
func (g *FDGroup) Path() string {
	return fmt.Sprintf("/dev/fdset/%d", g.SetID)
}

// SingleWritable reports whether the group passes exactly one writable
// descriptor, which switches read-only handling from auto-detection to an
// explicit decision.
func (g *FDGroup) SingleWritable() bool {
	return g != nil && g.Count == 1 && g.Writable
}

// Slice restricts a layer's storage to a byte range. It applies only to the
// protocol layer of one logical image.
type Slice struct {
	Offset uint64
	Size   uint64
}

// Encryption describes the encryption envelope of a layer. SecretAliases
// name the device-manager secret objects carrying the passphrases; only
// client-library decryption of layered images uses more than one.
type Encryption struct {
	Format        EncryptionFormat
	Engine        EncryptionEngine
	SecretAliases []string
}

// Auth carries protocol-level authentication. SecretAlias names the secret
// object holding the password or key.
type Auth struct {
	Username    string
	SecretAlias string
}

// Cookie is one HTTP cookie sent to http-family backends.
type Cookie struct {
	Name  string
	Value string
}

// PRManager references a SCSI persistent-reservation helper.
type PRManager struct {
	Path    string // helper socket path
	Managed bool   // helper lifecycle owned by this daemon
}

// Source is one layer of a disk backing chain. See the package
// documentation for the node identity rules.
type Source struct {
	Type     DiskType
	Protocol Protocol
	Format   Format

	// Path is the local path, export path, or protocol-specific image
	// reference (iscsi "target/lun", rbd "pool/image").
	Path string

	Volume       string // gluster volume name
	Query        string // http(s) query string appended to the URL
	Snapshot     string // rbd snapshot name
	ConfigFile   string // rbd cluster configuration file
	RBDNamespace string // rbd pool namespace

	Hosts []Host

	NVMe    *NVMeAddress
	FDGroup *FDGroup

	// VhostUserPath is the control socket of a vhost-user-blk backend;
	// Reconnect is its reconnect interval in seconds.
	VhostUserPath string
	Reconnect     uint

	Slice *Slice

	Encryption *Encryption
	Auth       *Auth
	Cookies    []Cookie

	TLS         bool
	TLSHostname string

	// TLSCertDir is the directory holding the client certificates used
	// when TLS is enabled. TLSKeySecret marks the client key in that
	// directory as passphrase protected; the passphrase is resolved from
	// the secret store at attach time.
	TLSCertDir   string
	TLSKeySecret bool

	PRManager *PRManager

	ReadOnly     bool
	CacheMode    CacheMode
	Discard      DiscardPolicy
	DetectZeroes DetectZeroes

	// IOMode selects the asynchronous I/O engine (threads, native,
	// io_uring); empty keeps the backend default.
	IOMode string

	// HostCdrom marks a block source that is a host CD-ROM drive.
	HostCdrom bool

	// Floppy marks a directory source exposed as an emulated FAT floppy
	// rather than a hard disk.
	Floppy bool

	Initiator      string // iscsi initiator IQN
	ReconnectDelay uint64 // nbd reconnect delay, seconds
	Timeout        uint64 // curl connection timeout, seconds
	Readahead      uint64 // curl readahead, bytes
	SSLVerify      *bool  // nil = backend default

	SSHUser             string
	SSHKnownHostsFile   string
	SSHHostKeyCheckOff  bool
	NFSUser             int64 // -1 = unset
	NFSGroup            int64 // -1 = unset
	GlusterDebugLevel   uint64
	AuthModes           []string // rbd auth-client-required, in order
	MetadataCacheSize   uint64   // qcow2 metadata cache, bytes
	DiscardNoUnref      *bool    // qcow2 discard-no-unref, nil = default
	ExtendedL2          bool     // qcow2 creation option
	ClusterSize         uint64   // qcow2 creation option, bytes
	Compat              string   // qcow2 compatibility level ("0.10", "1.1")
	Preallocation       string   // creation preallocation mode
	Capacity            uint64   // logical size, bytes
	PhysicalSize        uint64   // allocated size, bytes

	// DataFile is the external qcow2 data file, a storage-only companion
	// layer attached alongside this one.
	DataFile *Source

	// Pool volume sources are resolved against the pool before use;
	// ResolvedType then holds the type the volume translates to.
	PoolName     string
	VolumeName   string
	ResolvedType DiskType

	// RelPath is the (relative) string by which the parent layer referenced
	// this one, preserved for relative backing rewrites.
	RelPath string

	NodenameStorage string
	NodenameSlice   string
	NodenameFormat  string

	// BackingStore links to the next layer down. A terminator layer marks a
	// deliberately ended chain; nil means the backing has not been probed.
	BackingStore *Source
}

// NewTerminator returns the explicit end-of-chain marker.
func NewTerminator() *Source {
	return &Source{Type: DiskTypeNone}
}

// IsTerminator reports whether the layer is the end-of-chain marker rather
// than a genuine backing reference.
func (s *Source) IsTerminator() bool {
	return s == nil || s.Type == DiskTypeNone
}

// HasBacking reports whether the layer has a genuine backing layer below it.
func (s *Source) HasBacking() bool {
	return s != nil && !s.BackingStore.IsTerminator()
}

// ActualType resolves pool-volume sources to the type the volume translated
// to; all other sources report their declared type.
func (s *Source) ActualType() DiskType {
	if s.Type == DiskTypeVolume && s.ResolvedType != "" {
		return s.ResolvedType
	}
	return s.Type
}

// IsLocal reports whether the layer's bytes are reachable through the local
// filesystem.
func (s *Source) IsLocal() bool {
	switch s.ActualType() {
	case DiskTypeFile, DiskTypeBlock, DiskTypeDir:
		return true
	}
	return false
}

// IsLUKS reports whether the layer is a raw image whose format layer
// performs LUKS decryption. Encryption delegated to the RBD client library
// does not count; that layer opens as plain raw.
func (s *Source) IsLUKS() bool {
	return s.Format == FormatRaw &&
		s.Encryption != nil &&
		s.Encryption.Engine != EncryptionEngineLibrbd &&
		s.Encryption.Format == EncryptionFormatLUKS
}

// EffectiveNodename is the node other layers and devices reference for this
// layer: the format node when the layer has one, else the slice node, else
// the storage node. Empty only before node names are assigned.
func (s *Source) EffectiveNodename() string {
	if s.NodenameFormat != "" {
		return s.NodenameFormat
	}
	return s.EffectiveStorageNodename()
}

// EffectiveStorageNodename is the node a format layer opens for raw bytes:
// the slice node when a slice restricts the storage, else the storage node.
func (s *Source) EffectiveStorageNodename() string {
	if s.NodenameSlice != "" {
		return s.NodenameSlice
	}
	return s.NodenameStorage
}

// ClearNodenames drops all node identities, used when a layer leaves the
// block graph.
func (s *Source) ClearNodenames() {
	s.NodenameStorage = ""
	s.NodenameSlice = ""
	s.NodenameFormat = ""
}

// Copy deep-copies one layer, node names included, without its backing
// chain. Used to clone a layer into a mirror that must resolve to the same
// nodes as the original.
func (s *Source) Copy() *Source {
	if s == nil {
		return nil
	}
	out := *s
	out.BackingStore = nil
	if s.Hosts != nil {
		out.Hosts = make([]Host, len(s.Hosts))
		copy(out.Hosts, s.Hosts)
	}
	if s.Cookies != nil {
		out.Cookies = make([]Cookie, len(s.Cookies))
		copy(out.Cookies, s.Cookies)
	}
	if s.AuthModes != nil {
		out.AuthModes = make([]string, len(s.AuthModes))
		copy(out.AuthModes, s.AuthModes)
	}
	if s.NVMe != nil {
		nvme := *s.NVMe
		out.NVMe = &nvme
	}
	if s.FDGroup != nil {
		fd := *s.FDGroup
		out.FDGroup = &fd
	}
	if s.Slice != nil {
		sl := *s.Slice
		out.Slice = &sl
	}
	if s.Encryption != nil {
		enc := *s.Encryption
		if s.Encryption.SecretAliases != nil {
			enc.SecretAliases = make([]string, len(s.Encryption.SecretAliases))
			copy(enc.SecretAliases, s.Encryption.SecretAliases)
		}
		out.Encryption = &enc
	}
	if s.Auth != nil {
		auth := *s.Auth
		out.Auth = &auth
	}
	if s.PRManager != nil {
		pr := *s.PRManager
		out.PRManager = &pr
	}
	if s.SSLVerify != nil {
		v := *s.SSLVerify
		out.SSLVerify = &v
	}
	if s.DiscardNoUnref != nil {
		v := *s.DiscardNoUnref
		out.DiscardNoUnref = &v
	}
	out.DataFile = s.DataFile.Copy()
	return &out
}
