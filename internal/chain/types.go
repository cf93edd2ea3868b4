package chain

// DiskType says where a layer's bytes live.
type DiskType string

const (
	DiskTypeNone      DiskType = "none"       // Chain terminator marker
	DiskTypeFile      DiskType = "file"       // Local file
	DiskTypeBlock     DiskType = "block"      // Local block device
	DiskTypeDir       DiskType = "dir"        // Directory exposed as emulated FAT
	DiskTypeNetwork   DiskType = "network"    // Network protocol (see Protocol)
	DiskTypeVolume    DiskType = "volume"     // Pool volume, resolved before use
	DiskTypeNVMe      DiskType = "nvme"       // NVMe namespace via PCI address
	DiskTypeVhostUser DiskType = "vhostuser"  // vhost-user-blk character device
	DiskTypeVhostVDPA DiskType = "vhostvdpa"  // vhost-vdpa device
)

// Protocol is the network protocol of a DiskTypeNetwork layer.
type Protocol string

const (
	ProtocolNone    Protocol = ""
	ProtocolGluster Protocol = "gluster"
	ProtocolISCSI   Protocol = "iscsi"
	ProtocolNBD     Protocol = "nbd"
	ProtocolRBD     Protocol = "rbd"
	ProtocolSSH     Protocol = "ssh"
	ProtocolNFS     Protocol = "nfs"
	ProtocolHTTP    Protocol = "http"
	ProtocolHTTPS   Protocol = "https"
	ProtocolFTP     Protocol = "ftp"
	ProtocolFTPS    Protocol = "ftps"
	ProtocolTFTP    Protocol = "tftp"
)

// Format is the image format of a layer.
type Format string

const (
	FormatNone      Format = ""
	FormatRaw       Format = "raw"
	FormatBochs     Format = "bochs"
	FormatCloop     Format = "cloop"
	FormatDMG       Format = "dmg"
	FormatQcow      Format = "qcow"
	FormatQcow2     Format = "qcow2"
	FormatQED       Format = "qed"
	FormatVDI       Format = "vdi"
	FormatVHDX      Format = "vhdx"
	FormatVMDK      Format = "vmdk"
	FormatVPC       Format = "vpc"
	FormatParallels Format = "parallels"
	FormatLUKS      Format = "luks"
	// Formats the block layer refuses to manage. They exist so that config
	// parsing can name them in errors instead of mapping them to "unknown".
	FormatAuto Format = "auto"
	FormatCow  Format = "cow"
	FormatDir  Format = "dir"
	FormatFAT  Format = "fat"
	FormatISO  Format = "iso"
)

// SupportsBacking reports whether the format can reference a backing image.
// A layer whose format cannot back may never carry a genuine backing store.
func (f Format) SupportsBacking() bool {
	switch f {
	case FormatQcow, FormatQcow2, FormatQED, FormatVMDK:
		return true
	}
	return false
}

// CacheMode is the caching behavior requested for a disk.
type CacheMode string

const (
	CacheModeDefault      CacheMode = ""
	CacheModeNone         CacheMode = "none"
	CacheModeWriteback    CacheMode = "writeback"
	CacheModeWritethrough CacheMode = "writethrough"
	CacheModeDirectSync   CacheMode = "directsync"
	CacheModeUnsafe       CacheMode = "unsafe"
)

// Flags returns the (direct, noflush) pair a cache mode decomposes into for
// the device manager, and whether the mode asks for an explicit cache
// object at all.
func (c CacheMode) Flags() (direct, noflush, specified bool) {
	switch c {
	case CacheModeNone:
		return true, false, true
	case CacheModeWriteback:
		return false, false, true
	case CacheModeWritethrough:
		return false, false, true
	case CacheModeDirectSync:
		return true, false, true
	case CacheModeUnsafe:
		return false, true, true
	}
	return false, false, false
}

// DiscardPolicy controls whether guest discard requests reach storage.
type DiscardPolicy string

const (
	DiscardDefault DiscardPolicy = ""
	DiscardUnmap   DiscardPolicy = "unmap"
	DiscardIgnore  DiscardPolicy = "ignore"
)

// DetectZeroes controls zero-write detection.
type DetectZeroes string

const (
	DetectZeroesDefault DetectZeroes = ""
	DetectZeroesOff     DetectZeroes = "off"
	DetectZeroesOn      DetectZeroes = "on"
	DetectZeroesUnmap   DetectZeroes = "unmap"
)

// Resolve maps the requested detect-zeroes mode against the discard policy:
// "unmap" detection needs discard "unmap" to act on, otherwise it degrades
// to plain "on".
func (d DetectZeroes) Resolve(discard DiscardPolicy) DetectZeroes {
	if d == DetectZeroesUnmap && discard != DiscardUnmap {
		return DetectZeroesOn
	}
	return d
}

// Transport is how a network host is reached.
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportUnix Transport = "unix"
	TransportRDMA Transport = "rdma"
)

// EncryptionFormat is the on-disk encryption envelope of a layer.
type EncryptionFormat string

const (
	EncryptionFormatQcowAES EncryptionFormat = "aes"
	EncryptionFormatLUKS    EncryptionFormat = "luks"
	EncryptionFormatLUKS2   EncryptionFormat = "luks2"
	EncryptionFormatLUKSAny EncryptionFormat = "luks-any"
)

// EncryptionEngine says which component performs the decryption.
type EncryptionEngine string

const (
	// EncryptionEngineQEMU decrypts in the format layer of the block graph.
	EncryptionEngineQEMU EncryptionEngine = "qemu"
	// EncryptionEngineLibrbd decrypts inside the RBD client library.
	EncryptionEngineLibrbd EncryptionEngine = "librbd"
)
