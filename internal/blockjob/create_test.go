package blockjob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/blockplane/blockplane/internal/attach"
	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/monitor"
)

func createFixture(t *testing.T) (*chain.Source, *attach.Data) {
	t.Helper()
	src := fileLayer(5, "/images/new.qcow2")
	src.Capacity = 10 << 30
	src.PhysicalSize = 10 << 30
	data, err := attach.PrepareBlockdev(src, chain.NewTerminator())
	require.NoError(t, err)
	return src, data
}

func TestCreateSourceSequence(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	src, data := createFixture(t)

	require.NoError(t, c.CreateSource(context.Background(), src, chain.NewTerminator(), data))

	// Storage is allocated, attached so the format pass can address it,
	// formatted, and only then exposed through the format node.
	creates := fake.named("blockdev-create")
	require.Len(t, creates, 2)
	storageOpts := gjson.Get(creates[0], "arguments.options")
	assert.Equal(t, "file", storageOpts.Get("driver").String())
	assert.Equal(t, "/images/new.qcow2", storageOpts.Get("filename").String())
	assert.Equal(t, int64(10<<30), storageOpts.Get("size").Int())

	formatOpts := gjson.Get(creates[1], "arguments.options")
	assert.Equal(t, "qcow2", formatOpts.Get("driver").String())
	assert.Equal(t, "blockplane-5-storage", formatOpts.Get("file").String())
	assert.Equal(t, int64(10<<30), formatOpts.Get("size").Int())

	adds := summarize(fake.named("blockdev-add"))
	assert.Equal(t, []string{
		"blockdev-add blockplane-5-storage",
		"blockdev-add blockplane-5-format",
	}, adds)

	// The storage node exists before the format job addresses it.
	order := summarize(fake.cmds)
	var storageAdd, formatCreate int
	for i, line := range order {
		switch {
		case line == "blockdev-add blockplane-5-storage":
			storageAdd = i
		case line == "blockdev-create "+gjson.Get(creates[1], "arguments.job-id").String():
			formatCreate = i
		}
	}
	assert.Less(t, storageAdd, formatCreate)
}

func TestCreateSourceRawSkipsFormatPass(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	src := &chain.Source{
		Type:            chain.DiskTypeFile,
		Format:          chain.FormatRaw,
		Path:            "/images/new.raw",
		PhysicalSize:    1 << 30,
		NodenameStorage: "blockplane-5-storage",
	}
	data, err := attach.PrepareBlockdev(src, nil)
	require.NoError(t, err)

	require.NoError(t, c.CreateSource(context.Background(), src, chain.NewTerminator(), data))
	assert.Len(t, fake.named("blockdev-create"), 1)
	assert.Equal(t, []string{"blockdev-add blockplane-5-storage"},
		summarize(fake.named("blockdev-add")))
}

func TestCreateSourceRejectsSlice(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	src, data := createFixture(t)
	src.Slice = &chain.Slice{Offset: 4096, Size: 1 << 20}

	err := c.CreateSource(context.Background(), src, chain.NewTerminator(), data)
	require.Error(t, err)
	assert.Empty(t, fake.cmds)
}

func TestCreateSourceFormatFailureRollsBack(t *testing.T) {
	fake := &fakeCommander{failWhen: `"driver":"qcow2"`, failDesc: "Not enough space"}
	c := testController(fake, nil)
	src, data := createFixture(t)

	err := c.CreateSource(context.Background(), src, chain.NewTerminator(), data)
	require.Error(t, err)

	var qerr *monitor.Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "Not enough space", qerr.Desc)

	// Only the storage node had landed; only it is deleted again.
	assert.Equal(t, []string{"blockdev-del blockplane-5-storage"},
		summarize(fake.named("blockdev-del")))
}

func TestCreateSourceReadonlyImageGrantCycle(t *testing.T) {
	fake := &fakeCommander{}
	access := &fakeAccess{}
	c := testController(fake, access)
	src, data := createFixture(t)
	src.ReadOnly = true

	require.NoError(t, c.CreateSource(context.Background(), src, chain.NewTerminator(), data))

	// Formatting needs a temporary write grant on an image the VM will
	// only read; the grant drops back to read-only before the format node
	// is exposed.
	assert.Equal(t, []string{
		"/images/new.qcow2 rw",
		"/images/new.qcow2 ro",
	}, access.allowed)
}
