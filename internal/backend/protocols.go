package backend

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/naming"
	"github.com/blockplane/blockplane/internal/qjson"
)

// protocolBuilder renders the protocol-specific fields of one network
// layer. The driver key is set by the dispatcher before build runs, so
// builders append their fields in wire order. Each builder enforces its
// own host cardinality and required fields.
type protocolBuilder interface {
	driver(src *chain.Source) string
	build(b *qjson.ObjectBuilder, src *chain.Source, targetOnly bool) error
}

var protocolBuilders = map[chain.Protocol]protocolBuilder{
	chain.ProtocolGluster: glusterBuilder{},
	chain.ProtocolISCSI:   iscsiBuilder{},
	chain.ProtocolNBD:     nbdBuilder{},
	chain.ProtocolRBD:     rbdBuilder{},
	chain.ProtocolSSH:     sshBuilder{},
	chain.ProtocolNFS:     nfsBuilder{},
	chain.ProtocolHTTP:    curlBuilder{},
	chain.ProtocolHTTPS:   curlBuilder{},
	chain.ProtocolFTP:     curlBuilder{},
	chain.ProtocolFTPS:    curlBuilder{},
	chain.ProtocolTFTP:    curlBuilder{},
}

// socketAddress renders one host as a SocketAddress: an inet host/port
// pair or a unix socket path. The port travels as a string.
func socketAddress(h *chain.Host) (*qjson.Object, error) {
	switch h.Transport {
	case chain.TransportTCP, "":
		return qjson.NewObjectBuilder().
			String("type", "inet").
			String("host", h.Name).
			String("port", strconv.FormatUint(uint64(h.Port), 10)).
			Build()
	case chain.TransportUnix:
		return qjson.NewObjectBuilder().
			String("type", "unix").
			String("path", h.Socket).
			Build()
	}
	return nil, unsupportedf("transport %q is not supported for socket addresses", h.Transport)
}

func socketAddressList(hosts []chain.Host) (*qjson.Array, error) {
	servers := &qjson.Array{}
	for i := range hosts {
		server, err := socketAddress(&hosts[i])
		if err != nil {
			return nil, err
		}
		servers.Append(server)
	}
	return servers, nil
}

// inetSocketAddress renders one host as an InetSocketAddress, which has no
// type discriminator and therefore allows TCP only.
func inetSocketAddress(h *chain.Host) (*qjson.Object, error) {
	if h.Transport != chain.TransportTCP && h.Transport != "" {
		return nil, unsupportedf("only TCP hosts can be used here, not %q", h.Transport)
	}
	return qjson.NewObjectBuilder().
		String("host", h.Name).
		String("port", strconv.FormatUint(uint64(h.Port), 10)).
		Build()
}

func inetSocketAddressList(hosts []chain.Host) (*qjson.Array, error) {
	servers := &qjson.Array{}
	for i := range hosts {
		server, err := inetSocketAddress(&hosts[i])
		if err != nil {
			return nil, err
		}
		servers.Append(server)
	}
	return servers, nil
}

// urlString formats the single-host URL of an http-family layer.
func urlString(src *chain.Source) (string, error) {
	if len(src.Hosts) != 1 {
		return "", fmt.Errorf("protocol %q accepts exactly one host", src.Protocol)
	}
	h := &src.Hosts[0]

	scheme := string(src.Protocol)
	if h.Transport != "" && h.Transport != chain.TransportTCP {
		scheme = fmt.Sprintf("%s+%s", src.Protocol, h.Transport)
	}

	var sb strings.Builder
	sb.WriteString(scheme)
	sb.WriteString("://")
	if strings.Contains(h.Name, ":") {
		sb.WriteString("[")
		sb.WriteString(h.Name)
		sb.WriteString("]")
	} else {
		sb.WriteString(h.Name)
	}
	if h.Port != 0 {
		fmt.Fprintf(&sb, ":%d", h.Port)
	}
	if src.Path != "" {
		if !strings.HasPrefix(src.Path, "/") {
			sb.WriteString("/")
		}
		sb.WriteString(src.Path)
	}
	if src.Query != "" {
		sb.WriteString("?")
		sb.WriteString(src.Query)
	}
	return sb.String(), nil
}

// CookieString flattens cookies into the single header-style string. It is
// both the inline "cookie" field of identity-only property sets and the
// payload of the cookie secret object created at attach time.
func CookieString(cookies []chain.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Name, c.Value))
	}
	return strings.Join(parts, "; ")
}

type glusterBuilder struct{}

func (glusterBuilder) driver(*chain.Source) string { return "gluster" }

func (glusterBuilder) build(b *qjson.ObjectBuilder, src *chain.Source, targetOnly bool) error {
	if src.Volume == "" || src.Path == "" {
		return fmt.Errorf("gluster source requires a volume and an image path")
	}
	if len(src.Hosts) == 0 {
		return fmt.Errorf("gluster source requires at least one host")
	}
	servers, err := socketAddressList(src.Hosts)
	if err != nil {
		return err
	}
	b.String("volume", src.Volume)
	b.String("path", src.Path)
	b.Array("server", servers)
	if !targetOnly {
		b.UintOmitZero("debug", src.GlusterDebugLevel)
	}
	return b.Err()
}

type curlBuilder struct{}

func (curlBuilder) driver(src *chain.Source) string { return string(src.Protocol) }

func (curlBuilder) build(b *qjson.ObjectBuilder, src *chain.Source, targetOnly bool) error {
	url, err := urlString(src)
	if err != nil {
		return err
	}
	b.String("url", url)

	var username, passwordAlias, cookieAlias, cookieStr string
	if targetOnly {
		// Cookies still identify the target variant, but inline.
		cookieStr = CookieString(src.Cookies)
	} else {
		if src.Auth != nil {
			username = src.Auth.Username
			passwordAlias = src.Auth.SecretAlias
		}
		if len(src.Cookies) > 0 {
			cookieAlias = naming.CookieSecretAlias(src.NodenameStorage)
		}
	}
	b.StringOpt("username", username)
	b.StringOpt("password-secret", passwordAlias)
	b.Tristate("sslverify", qjson.FromBoolPtr(src.SSLVerify))
	b.StringOpt("cookie", cookieStr)
	b.StringOpt("cookie-secret", cookieAlias)
	b.UintOmitZero("timeout", src.Timeout)
	b.UintOmitZero("readahead", src.Readahead)
	return b.Err()
}

type iscsiBuilder struct{}

func (iscsiBuilder) driver(*chain.Source) string { return "iscsi" }

func (iscsiBuilder) build(b *qjson.ObjectBuilder, src *chain.Source, targetOnly bool) error {
	if len(src.Hosts) != 1 {
		return fmt.Errorf("iscsi protocol accepts exactly one host")
	}

	target := src.Path
	var lun uint64
	if t, l, ok := strings.Cut(src.Path, "/"); ok {
		target = t
		parsed, err := strconv.ParseUint(l, 10, 32)
		if err != nil {
			return fmt.Errorf("cannot parse lun in iscsi path %q: %w", src.Path, err)
		}
		lun = parsed
	}

	h := &src.Hosts[0]
	portal := fmt.Sprintf("%s:%d", h.Name, h.Port)
	if ip := net.ParseIP(h.Name); ip != nil && ip.To4() == nil {
		portal = fmt.Sprintf("[%s]:%d", h.Name, h.Port)
	}

	b.String("portal", portal)
	b.String("target", target)
	b.Uint("lun", lun)
	b.String("transport", "tcp")
	if !targetOnly && src.Auth != nil {
		b.String("user", src.Auth.Username)
		b.StringOpt("password-secret", src.Auth.SecretAlias)
	}
	b.StringOpt("initiator-name", src.Initiator)
	return b.Err()
}

type nbdBuilder struct{}

func (nbdBuilder) driver(*chain.Source) string { return "nbd" }

func (nbdBuilder) build(b *qjson.ObjectBuilder, src *chain.Source, targetOnly bool) error {
	if len(src.Hosts) != 1 {
		return fmt.Errorf("nbd protocol accepts exactly one host")
	}
	server, err := socketAddress(&src.Hosts[0])
	if err != nil {
		return err
	}
	b.Object("server", server)
	b.StringOpt("export", src.Path)
	if !targetOnly && src.TLS {
		b.String("tls-creds", naming.TLSAlias(src.NodenameStorage))
		b.StringOpt("tls-hostname", src.TLSHostname)
	}
	b.UintOmitZero("reconnect-delay", src.ReconnectDelay)
	return b.Err()
}

type rbdBuilder struct{}

func (rbdBuilder) driver(*chain.Source) string { return "rbd" }

func (rbdBuilder) build(b *qjson.ObjectBuilder, src *chain.Source, targetOnly bool) error {
	pool, image, ok := strings.Cut(src.Path, "/")
	if !ok || pool == "" || image == "" {
		return fmt.Errorf("rbd path %q must name pool/image", src.Path)
	}

	b.String("pool", pool)
	b.StringOpt("namespace", src.RBDNamespace)
	b.String("image", image)
	b.StringOpt("snapshot", src.Snapshot)
	b.StringOpt("conf", src.ConfigFile)

	if len(src.Hosts) > 0 {
		servers, err := inetSocketAddressList(src.Hosts)
		if err != nil {
			return err
		}
		b.Array("server", servers)
	}

	enc, err := rbdEncryption(src)
	if err != nil {
		return err
	}
	if enc != nil {
		b.Object("encrypt", enc)
	}

	if !targetOnly && src.Auth != nil {
		b.String("user", src.Auth.Username)
		modes := src.AuthModes
		if len(modes) == 0 {
			modes = []string{"cephx", "none"}
		}
		b.StringList("auth-client-required", modes)
		b.StringOpt("key-secret", src.Auth.SecretAlias)
	}
	return b.Err()
}

// rbdEncryption renders client-library decryption of layered images. Each
// secret wraps the previous layer's descriptor as its parent, innermost
// layer first.
func rbdEncryption(src *chain.Source) (*qjson.Object, error) {
	enc := src.Encryption
	if enc == nil || enc.Engine != chain.EncryptionEngineLibrbd {
		return nil, nil
	}

	var format string
	switch enc.Format {
	case chain.EncryptionFormatLUKS:
		format = "luks"
	case chain.EncryptionFormatLUKS2:
		format = "luks2"
	case chain.EncryptionFormatLUKSAny:
		format = "luks-any"
	default:
		return nil, unsupportedf("encryption format %q is not supported by the rbd client", enc.Format)
	}

	var obj *qjson.Object
	for i := len(enc.SecretAliases); i > 0; i-- {
		eb := qjson.NewObjectBuilder().
			String("format", format).
			String("key-secret", enc.SecretAliases[i-1])
		if obj != nil {
			eb.Object("parent", obj)
		}
		var err error
		if obj, err = eb.Build(); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

type sshBuilder struct{}

func (sshBuilder) driver(*chain.Source) string { return "ssh" }

func (sshBuilder) build(b *qjson.ObjectBuilder, src *chain.Source, _ bool) error {
	if len(src.Hosts) != 1 {
		return fmt.Errorf("ssh protocol accepts exactly one host")
	}
	server, err := inetSocketAddress(&src.Hosts[0])
	if err != nil {
		return err
	}

	username := src.SSHUser
	if src.Auth != nil {
		username = src.Auth.Username
	}

	b.String("path", src.Path)
	b.Object("server", server)
	b.StringOpt("user", username)
	if src.SSHHostKeyCheckOff {
		hkc, err := qjson.NewObjectBuilder().String("mode", "none").Build()
		if err != nil {
			return err
		}
		b.Object("host-key-check", hkc)
	}
	return b.Err()
}

type nfsBuilder struct{}

func (nfsBuilder) driver(*chain.Source) string { return "nfs" }

func (nfsBuilder) build(b *qjson.ObjectBuilder, src *chain.Source, _ bool) error {
	if len(src.Hosts) != 1 {
		return fmt.Errorf("nfs protocol accepts exactly one host")
	}
	server, err := qjson.NewObjectBuilder().
		String("host", src.Hosts[0].Name).
		String("type", "inet").
		Build()
	if err != nil {
		return err
	}
	b.Object("server", server)
	b.StringOpt("path", src.Path)
	b.IntOmitNeg("user", src.NFSUser)
	b.IntOmitNeg("group", src.NFSGroup)
	return b.Err()
}
