// Package secrets resolves secret aliases to their payloads. The device
// manager receives secrets as base64-encoded object properties; the store
// keeps the raw material on disk, one file per alias.
package secrets

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileStore resolves aliases against files under one directory: the
// passphrase for alias "disk-secret" lives in <dir>/disk-secret. Aliases
// never traverse directories.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Lookup returns the base64-encoded payload of one alias. A trailing
// newline in the file is not part of the secret.
func (s *FileStore) Lookup(alias string) (string, error) {
	if alias == "" {
		return "", errors.New("empty secret alias")
	}
	if strings.ContainsAny(alias, "/\\") || alias == "." || alias == ".." {
		return "", errors.Errorf("invalid secret alias %q", alias)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, alias))
	if err != nil {
		return "", errors.Wrapf(err, "resolving secret %s", alias)
	}
	data = []byte(strings.TrimRight(string(data), "\n"))

	return base64.StdEncoding.EncodeToString(data), nil
}
