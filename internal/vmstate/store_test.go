package vmstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockplane/blockplane/internal/blockjob"
	"github.com/blockplane/blockplane/internal/chain"
)

func testChain() *chain.Source {
	base := &chain.Source{Type: chain.DiskTypeFile, Format: chain.FormatRaw, Path: "/images/base.raw"}
	base.BackingStore = chain.NewTerminator()
	top := &chain.Source{Type: chain.DiskTypeFile, Format: chain.FormatQcow2, Path: "/images/top.qcow2"}
	top.BackingStore = base
	return top
}

func TestLoadMissingReturnsFreshDoc(t *testing.T) {
	s := NewStore(t.TempDir())

	doc, err := s.Load("web1")
	require.NoError(t, err)
	assert.Equal(t, "web1", doc.VM)
	assert.Zero(t, doc.NodeSeq)
	assert.Empty(t, doc.Disks)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	doc := &Doc{VM: "web1"}
	top := testChain()
	doc.AssignNodenames(top)
	doc.RecordChain("vda", top)
	doc.upsertJob(JobState{Name: "commit-vda-1234", Type: "commit", State: "running", Disk: "vda"})

	require.NoError(t, s.Save(doc))

	loaded, err := s.Load("web1")
	require.NoError(t, err)
	assert.Equal(t, doc.NodeSeq, loaded.NodeSeq)
	require.Len(t, loaded.Disks, 1)
	assert.Equal(t, "vda", loaded.Disks[0].Target)
	require.Len(t, loaded.Disks[0].Chain, 2)
	assert.Equal(t, "blockplane-1-storage", loaded.Disks[0].Chain[0].NodenameStorage)
	assert.Equal(t, "blockplane-1-format", loaded.Disks[0].Chain[0].NodenameFormat)
	assert.Equal(t, "/images/top.qcow2", loaded.Disks[0].Chain[0].Path)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, "commit-vda-1234", loaded.Jobs[0].Name)
}

func TestAssignNodenamesKeepsExisting(t *testing.T) {
	doc := &Doc{VM: "web1"}
	top := testChain()
	doc.AssignNodenames(top)
	seq := doc.NodeSeq

	// A second pass allocates nothing.
	doc.AssignNodenames(top)
	assert.Equal(t, seq, doc.NodeSeq)
	assert.Equal(t, "blockplane-1-storage", top.NodenameStorage)
	assert.Equal(t, "blockplane-2-storage", top.BackingStore.NodenameStorage)
}

func TestAssignNodenamesSliceNode(t *testing.T) {
	doc := &Doc{VM: "web1"}
	src := &chain.Source{
		Type:   chain.DiskTypeFile,
		Format: chain.FormatRaw,
		Path:   "/images/packed.img",
		Slice:  &chain.Slice{Offset: 4096, Size: 1 << 20},
	}
	doc.AssignNodenames(src)
	assert.Equal(t, "blockplane-1-slice-sto", src.NodenameSlice)
}

func TestNodeIndexesNeverReused(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.Update("web1", func(d *Doc) error {
		top := testChain()
		d.AssignNodenames(top)
		d.RecordChain("vda", top)
		return nil
	}))
	require.NoError(t, s.Update("web1", func(d *Doc) error {
		d.DropChain("vda")
		return nil
	}))

	// Detaching freed the names but not the indexes.
	require.NoError(t, s.Update("web1", func(d *Doc) error {
		fresh := &chain.Source{Type: chain.DiskTypeFile, Format: chain.FormatQcow2, Path: "/images/other.qcow2"}
		d.AssignNodenames(fresh)
		assert.Equal(t, "blockplane-3-storage", fresh.NodenameStorage)
		return nil
	}))
}

func TestUpdatePersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()

	s := NewStore(dir)
	require.NoError(t, s.Update("web1", func(d *Doc) error {
		d.NextNodeIndex()
		return nil
	}))

	// A new store over the same directory sees the write.
	doc, err := NewStore(dir).Load("web1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.NodeSeq)
}

func TestUpdateErrorDiscardsChanges(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Update("web1", func(d *Doc) error {
		d.NextNodeIndex()
		return nil
	}))

	err := s.Update("web1", func(d *Doc) error {
		d.NextNodeIndex()
		return os.ErrInvalid
	})
	require.Error(t, err)

	doc, err := s.Load("web1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), doc.NodeSeq)
}

func TestDeleteAndList(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.Update("web1", func(*Doc) error { return nil }))
	require.NoError(t, s.Update("db1", func(*Doc) error { return nil }))

	vms, err := s.VMs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"web1", "db1"}, vms)

	require.NoError(t, s.Delete("db1"))
	require.NoError(t, s.Delete("db1")) // idempotent

	vms, err = s.VMs()
	require.NoError(t, err)
	assert.Equal(t, []string{"web1"}, vms)
}

func TestCorruptDocumentReported(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "web1.yaml"), []byte("vm: [broken"), 0o644))

	_, err := NewStore(dir).Load("web1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web1")
}

func TestJobRecorder(t *testing.T) {
	s := NewStore(t.TempDir())
	rec := NewJobRecorder(s)

	job := &blockjob.Job{
		Name:  "pull-vda-abcd",
		Type:  blockjob.TypePull,
		State: blockjob.StateRunning,
		VM:    "web1",
		Disk:  "vda",
	}
	require.NoError(t, rec.SaveJob("web1", job))

	// A state change overwrites in place.
	job.State = blockjob.StateReady
	require.NoError(t, rec.SaveJob("web1", job))

	doc, err := s.Load("web1")
	require.NoError(t, err)
	require.Len(t, doc.Jobs, 1)
	assert.Equal(t, "ready", doc.Jobs[0].State)
	assert.Equal(t, "pull", doc.Jobs[0].Type)

	require.NoError(t, rec.DeleteJob("web1", job.Name))
	doc, err = s.Load("web1")
	require.NoError(t, err)
	assert.Empty(t, doc.Jobs)
}
