package attach

import (
	"encoding/base64"
	"fmt"

	"github.com/blockplane/blockplane/internal/backend"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/naming"
	"github.com/blockplane/blockplane/internal/qjson"
)

// SecretStore resolves a secret alias to its base64-encoded payload.
// Payloads never travel through the VM's command channel in the clear
// elsewhere; they appear only inside secret object properties built here.
type SecretStore interface {
	Lookup(alias string) (string, error)
}

// PrepareCommon fills the helper-object property sets a layer needs
// alongside its block nodes: persistent-reservation manager, protocol
// authentication secret, HTTP cookie secret, TLS credentials with an
// optional key-unlock secret, encryption passphrase secrets, and the
// descriptor group reference. secrets may be nil when the layer carries no
// stored secrets.
func PrepareCommon(data *Data, src *chain.Source, secrets SecretStore) error {
	node := src.NodenameStorage

	if src.PRManager != nil && !src.PRManager.Managed {
		alias := naming.PRManagerAlias(node, false)
		props, err := prManagerProps(alias, src.PRManager.Path)
		if err != nil {
			return err
		}
		data.PRManagerAlias = alias
		data.PRManagerProps = props
	}

	if src.Auth != nil && src.Auth.SecretAlias != "" {
		payload, err := lookupSecret(secrets, src.Auth.SecretAlias)
		if err != nil {
			return err
		}
		props, err := secretProps(src.Auth.SecretAlias, payload)
		if err != nil {
			return err
		}
		data.AuthSecretAlias = src.Auth.SecretAlias
		data.AuthSecretProps = props
	}

	if len(src.Cookies) > 0 && curlProtocol(src.Protocol) {
		alias := naming.CookieSecretAlias(node)
		payload := base64.StdEncoding.EncodeToString([]byte(backend.CookieString(src.Cookies)))
		props, err := secretProps(alias, payload)
		if err != nil {
			return err
		}
		data.CookieSecretAlias = alias
		data.CookieSecretProps = props
	}

	if src.TLS {
		if src.TLSCertDir == "" {
			return fmt.Errorf("TLS requested for node %s without a certificate directory", node)
		}
		var passwordID string
		if src.TLSKeySecret {
			alias := naming.TLSKeySecretAlias(node)
			payload, err := lookupSecret(secrets, alias)
			if err != nil {
				return err
			}
			props, err := secretProps(alias, payload)
			if err != nil {
				return err
			}
			data.TLSKeySecretAlias = alias
			data.TLSKeySecretProps = props
			passwordID = alias
		}
		alias := naming.TLSAlias(node)
		props, err := tlsProps(alias, src.TLSCertDir, passwordID)
		if err != nil {
			return err
		}
		data.TLSAlias = alias
		data.TLSProps = props
	}

	if src.Encryption != nil {
		for _, alias := range src.Encryption.SecretAliases {
			payload, err := lookupSecret(secrets, alias)
			if err != nil {
				return err
			}
			props, err := secretProps(alias, payload)
			if err != nil {
				return err
			}
			data.EncryptSecretAliases = append(data.EncryptSecretAliases, alias)
			data.EncryptSecretProps = append(data.EncryptSecretProps, props)
		}
	}

	if src.FDGroup != nil {
		data.FDGroup = src.FDGroup
	}

	return nil
}

func lookupSecret(secrets SecretStore, alias string) (string, error) {
	if secrets == nil {
		return "", fmt.Errorf("secret %s: no secret store configured", alias)
	}
	payload, err := secrets.Lookup(alias)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", alias, err)
	}
	return payload, nil
}

// secretProps renders a secret object carrying a base64 payload.
func secretProps(alias, payload string) (*qjson.Object, error) {
	return qjson.NewObjectBuilder().
		String("qom-type", "secret").
		String("id", alias).
		String("data", payload).
		String("format", "base64").
		Build()
}

// tlsProps renders client TLS credentials backed by a certificate
// directory. passwordID names the secret unlocking the client key, empty
// when the key is not protected.
func tlsProps(alias, certdir, passwordID string) (*qjson.Object, error) {
	return qjson.NewObjectBuilder().
		String("qom-type", "tls-creds-x509").
		String("id", alias).
		String("dir", certdir).
		String("endpoint", "client").
		Bool("verify-peer", true).
		StringOpt("passwordid", passwordID).
		Build()
}

// prManagerProps renders a persistent-reservation helper object speaking
// over the given unix socket.
func prManagerProps(alias, path string) (*qjson.Object, error) {
	return qjson.NewObjectBuilder().
		String("qom-type", "pr-manager-helper").
		String("id", alias).
		String("path", path).
		Build()
}

// chardevBackendProps renders the socket character-device backend for a
// vhost-user control connection.
func chardevBackendProps(src *chain.Source) (*qjson.Object, error) {
	if src.VhostUserPath == "" {
		return nil, fmt.Errorf("vhost-user layer has no control socket path")
	}
	addrData, err := qjson.NewObjectBuilder().
		String("path", src.VhostUserPath).
		Build()
	if err != nil {
		return nil, err
	}
	addr, err := qjson.NewObjectBuilder().
		String("type", "unix").
		Object("data", addrData).
		Build()
	if err != nil {
		return nil, err
	}
	sock, err := qjson.NewObjectBuilder().
		Object("addr", addr).
		Bool("server", false).
		UintOmitZero("reconnect", uint64(src.Reconnect)).
		Build()
	if err != nil {
		return nil, err
	}
	return qjson.NewObjectBuilder().
		String("type", "socket").
		Object("data", sock).
		Build()
}

// curlProtocol reports whether cookies and URL credentials apply to the
// protocol.
func curlProtocol(p chain.Protocol) bool {
	switch p {
	case chain.ProtocolHTTP, chain.ProtocolHTTPS, chain.ProtocolFTP,
		chain.ProtocolFTPS, chain.ProtocolTFTP:
		return true
	}
	return false
}
