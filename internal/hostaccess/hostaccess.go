// Package hostaccess implements the host side of job access grants. Images
// a job touches outside the disk's attached chain get their file
// permissions widened for the duration of the job and restored afterwards.
// Network sources have no host-side handle and pass through untouched.
package hostaccess

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/blockplane/blockplane/internal/chain"
)

// Manager grants access by chmod. It remembers the original permission
// bits of every path it touched and restores them on revoke. Repeated
// grants on the same path keep the first saved permissions, so widening a
// grant from read-only to read-write never loses the original mode.
type Manager struct {
	log logrus.FieldLogger

	mu    sync.Mutex
	saved map[string]os.FileMode
}

// New returns a Manager logging through log. A nil log discards.
func New(log logrus.FieldLogger) *Manager {
	if log == nil {
		logger := logrus.New()
		logger.SetOutput(os.Stderr)
		logger.SetLevel(logrus.PanicLevel)
		log = logger
	}
	return &Manager{log: log, saved: make(map[string]os.FileMode)}
}

// Allow widens src's permissions so the VM process can open it, read-write
// unless readonly is set. Allowing an already-allowed image succeeds.
func (m *Manager) Allow(ctx context.Context, src *chain.Source, readonly bool) error {
	path := localPath(src)
	if path == "" {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "granting access to %s", path)
	}
	perm := info.Mode().Perm()

	m.mu.Lock()
	if _, ok := m.saved[path]; !ok {
		m.saved[path] = perm
	}
	m.mu.Unlock()

	want := perm | 0o444
	if !readonly {
		want |= 0o600
	}
	if want == perm {
		return nil
	}

	m.log.WithFields(logrus.Fields{
		"path": path,
		"mode": want,
	}).Debug("widening image permissions")

	if err := os.Chmod(path, want); err != nil {
		return errors.Wrapf(err, "granting access to %s", path)
	}
	return nil
}

// Revoke restores the permissions saved by the first Allow of src.
// Revoking a path that was never granted is a no-op.
func (m *Manager) Revoke(ctx context.Context, src *chain.Source) error {
	path := localPath(src)
	if path == "" {
		return nil
	}

	m.mu.Lock()
	perm, ok := m.saved[path]
	if ok {
		delete(m.saved, path)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if err := os.Chmod(path, perm); err != nil {
		return errors.Wrapf(err, "restoring access to %s", path)
	}
	return nil
}

// localPath returns the host path a source can be granted through, or ""
// when the source has none.
func localPath(src *chain.Source) string {
	if src == nil {
		return ""
	}
	switch src.Type {
	case chain.DiskTypeFile, chain.DiskTypeBlock, chain.DiskTypeDir:
		return src.Path
	}
	return ""
}
