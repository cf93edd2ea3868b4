package backend

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/qjson"
)

// simpleURLProtocols lists the protocols whose single-host TCP layers can
// be recorded as plain URLs instead of json: documents.
var simpleURLProtocols = map[chain.Protocol]bool{
	chain.ProtocolNBD:     true,
	chain.ProtocolHTTP:    true,
	chain.ProtocolHTTPS:   true,
	chain.ProtocolFTP:     true,
	chain.ProtocolFTPS:    true,
	chain.ProtocolTFTP:    true,
	chain.ProtocolISCSI:   true,
	chain.ProtocolGluster: true,
}

// BackingStoreString renders src as the backing reference recorded in an
// overlay's image header. Local sources become plain paths and simple
// single-host network sources become URLs; everything else is written as a
// json: pseudo-protocol document built from the identity-free property
// bag. pretty indents the embedded document for humans reading the header
// back with image tools.
func BackingStoreString(src *chain.Source, pretty bool) (string, error) {
	if src.Slice == nil {
		if src.IsLocal() {
			if src.Format == chain.FormatFAT {
				return "fat:" + src.Path, nil
			}
			return src.Path, nil
		}

		if src.ActualType() == chain.DiskTypeNetwork && simpleURLProtocols[src.Protocol] &&
			len(src.Hosts) == 1 &&
			(src.Hosts[0].Transport == chain.TransportTCP || src.Hosts[0].Transport == "") &&
			src.Timeout == 0 &&
			len(src.Cookies) == 0 &&
			src.SSLVerify == nil &&
			src.Readahead == 0 &&
			src.ReconnectDelay == 0 {
			return simpleURL(src)
		}
	}

	props, err := StorageProps(src, Flags{TargetOnly: true})
	if err != nil {
		return "", err
	}

	doc := qjson.Value(props)
	if src.Slice != nil {
		wrapped, err := qjson.NewObjectBuilder().
			String("driver", "raw").
			Uint("offset", src.Slice.Offset).
			Uint("size", src.Slice.Size).
			Object("file", props).
			Build()
		if err != nil {
			return "", err
		}
		doc = wrapped
	}

	raw, err := doc.MarshalJSON()
	if err != nil {
		return "", err
	}
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return "", err
		}
		raw = buf.Bytes()
	}
	return fmt.Sprintf("json:{\"file\":%s}", raw), nil
}

// simpleURL formats the one-host URL form. Gluster carries the volume as
// the leading path component.
func simpleURL(src *chain.Source) (string, error) {
	if src.Protocol == chain.ProtocolGluster {
		flat := src.Copy()
		flat.Path = src.Volume + "/" + src.Path
		flat.Volume = ""
		return urlString(flat)
	}
	return urlString(src)
}
