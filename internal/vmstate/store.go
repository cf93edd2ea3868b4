package vmstate

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/blockplane/blockplane/internal/blockjob"
)

// Store reads and writes per-VM state documents under one directory. The
// document for VM "web1" lives at <dir>/web1.yaml. Methods are safe for
// concurrent use within one process; cross-process locking is not provided.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a store rooted at dir. The directory is created on the
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(vm string) string {
	return filepath.Join(s.dir, vm+".yaml")
}

// Load reads the state document of one VM. A VM without a document gets a
// fresh empty one; that keeps first-contact operations free of special
// cases.
func (s *Store) Load(vm string) (*Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(vm)
}

func (s *Store) loadLocked(vm string) (*Doc, error) {
	data, err := os.ReadFile(s.path(vm))
	if os.IsNotExist(err) {
		return &Doc{VM: vm}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading state for %s", vm)
	}

	var doc Doc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing state for %s", vm)
	}
	if doc.VM == "" {
		doc.VM = vm
	}
	return &doc, nil
}

// Save writes a state document. The write is atomic: a temporary file in
// the same directory is renamed over the old document.
func (s *Store) Save(doc *Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

func (s *Store) saveLocked(doc *Doc) error {
	if doc.VM == "" {
		return errors.New("state document without a VM name")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "creating state directory")
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrapf(err, "marshaling state for %s", doc.VM)
	}

	tmp, err := os.CreateTemp(s.dir, "."+doc.VM+"-*.yaml")
	if err != nil {
		return errors.Wrap(err, "creating temporary state file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "writing state for %s", doc.VM)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing state for %s", doc.VM)
	}
	if err := os.Rename(tmp.Name(), s.path(doc.VM)); err != nil {
		return errors.Wrapf(err, "replacing state for %s", doc.VM)
	}
	return nil
}

// Update loads a VM's document, applies fn, and saves the result. The
// whole cycle runs under the store lock, so concurrent updates to the same
// VM serialize instead of losing writes.
func (s *Store) Update(vm string, fn func(*Doc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLocked(vm)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.saveLocked(doc)
}

// Delete removes a VM's state document. Deleting a VM that has none is not
// an error.
func (s *Store) Delete(vm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(vm)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing state for %s", vm)
	}
	return nil
}

// VMs lists the VMs that have a state document.
func (s *Store) VMs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "listing state directory")
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".yaml" || name[0] == '.' {
			continue
		}
		out = append(out, name[:len(name)-len(".yaml")])
	}
	return out, nil
}

// JobRecorder adapts a Store to the job controller's persistence hooks.
type JobRecorder struct {
	store *Store
}

// NewJobRecorder returns a recorder writing through the given store.
func NewJobRecorder(store *Store) *JobRecorder {
	return &JobRecorder{store: store}
}

// SaveJob implements blockjob.Recorder.
func (r *JobRecorder) SaveJob(vm string, job *blockjob.Job) error {
	return r.store.Update(vm, func(d *Doc) error {
		d.upsertJob(JobStateOf(job))
		return nil
	})
}

// DeleteJob implements blockjob.Recorder.
func (r *JobRecorder) DeleteJob(vm, name string) error {
	return r.store.Update(vm, func(d *Doc) error {
		d.deleteJob(name)
		return nil
	})
}
