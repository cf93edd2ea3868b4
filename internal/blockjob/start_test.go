package blockjob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/blockplane/blockplane/internal/chain"
	"github.com/blockplane/blockplane/internal/monitor"
)

func TestStartPull(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	top, mid, _ := testChain()

	job, err := c.StartPull(context.Background(), "vda", top, PullOpts{Base: mid})
	require.NoError(t, err)
	assert.Equal(t, TypePull, job.Type)
	assert.Equal(t, StateRunning, job.State)

	streams := fake.named("block-stream")
	require.Len(t, streams, 1)
	args := gjson.Get(streams[0], "arguments")
	assert.Equal(t, job.Name, args.Get("job-id").String())
	assert.Equal(t, "blockplane-1-format", args.Get("device").String())
	assert.Equal(t, "blockplane-2-format", args.Get("base-node").String())
	assert.False(t, args.Get("auto-dismiss").Bool())
}

func TestStartPullValidation(t *testing.T) {
	top, _, _ := testChain()
	standalone := fileLayer(7, "/images/flat.qcow2")
	standalone.BackingStore = chain.NewTerminator()
	foreign := fileLayer(8, "/images/elsewhere.qcow2")

	tests := []struct {
		name string
		top  *chain.Source
		opts PullOpts
	}{
		{"no media", chain.NewTerminator(), PullOpts{}},
		{"no backing chain", standalone, PullOpts{}},
		{"base outside chain", top, PullOpts{Base: foreign}},
		{"base is the top itself", top, PullOpts{Base: top}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCommander{}
			c := testController(fake, nil)
			_, err := c.StartPull(context.Background(), "vda", tt.top, tt.opts)
			require.Error(t, err)
			assert.Empty(t, fake.cmds, "no monitor command before validation")
		})
	}
}

func TestStartCommit(t *testing.T) {
	fake := &fakeCommander{}
	access := &fakeAccess{}
	c := testController(fake, access)
	top, mid, base := testChain()

	job, err := c.StartCommit(context.Background(), "vda", top, CommitOpts{Top: mid})
	require.NoError(t, err)
	assert.Equal(t, TypeCommit, job.Type)
	assert.Same(t, base, job.Base)
	assert.Nil(t, job.Mirror)

	// The base is opened for writing before the job starts.
	assert.Equal(t, []string{"/images/web01.base.qcow2 rw"}, access.allowed)

	commits := fake.named("block-commit")
	require.Len(t, commits, 1)
	args := gjson.Get(commits[0], "arguments")
	assert.Equal(t, "blockplane-1-format", args.Get("device").String())
	assert.Equal(t, "blockplane-2-format", args.Get("top-node").String())
	assert.Equal(t, "blockplane-3-format", args.Get("base-node").String())
	assert.Equal(t, "/images/web01.base.qcow2", args.Get("backing-file").String())
	assert.True(t, args.Get("auto-finalize").Bool())
}

func TestStartCommitValidation(t *testing.T) {
	top, mid, base := testChain()
	foreign := fileLayer(8, "/images/elsewhere.qcow2")

	tests := []struct {
		name string
		opts CommitOpts
	}{
		{"top layer needs active", CommitOpts{}},
		{"active with intermediate top", CommitOpts{Top: mid, Active: true}},
		{"top outside chain", CommitOpts{Top: foreign}},
		{"bottom layer has no backing", CommitOpts{Top: base}},
		{"base above top", CommitOpts{Top: mid, Base: top}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCommander{}
			access := &fakeAccess{}
			c := testController(fake, access)
			_, err := c.StartCommit(context.Background(), "vda", top, tt.opts)
			require.Error(t, err)
			assert.Empty(t, fake.cmds, "no monitor command before validation")
			assert.Empty(t, access.allowed, "no grant before validation")
		})
	}
}

func TestStartCommitBusyDisk(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	top, mid, _ := testChain()

	_, err := c.StartCommit(context.Background(), "vda", top, CommitOpts{Top: mid})
	require.NoError(t, err)
	_, err = c.StartCommit(context.Background(), "vda", top, CommitOpts{Top: mid})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}

func TestStartCommitRejectionRevertsGrants(t *testing.T) {
	fake := &fakeCommander{failWhen: "block-commit", failDesc: "Permission denied"}
	access := &fakeAccess{}
	c := testController(fake, access)
	top, mid, base := testChain()

	_, err := c.StartCommit(context.Background(), "vda", top, CommitOpts{Top: mid})
	require.Error(t, err)

	// The device manager's message survives the cleanup unmodified.
	var qerr *monitor.Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "Permission denied", qerr.Desc)

	assert.Equal(t, []string{base.Path}, access.revoked)
	assert.Empty(t, c.Jobs())
}

func TestStartActiveCommitClonesBase(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	top, mid, _ := testChain()

	job, err := c.StartCommit(context.Background(), "vda", top, CommitOpts{Active: true})
	require.NoError(t, err)
	assert.Equal(t, TypeActiveCommit, job.Type)
	assert.Same(t, mid, job.Base)

	// The mirror clone resolves to the base's nodes but is a distinct
	// record, so rewiring the chain at pivot cannot corrupt the base.
	require.NotNil(t, job.Mirror)
	assert.NotSame(t, mid, job.Mirror)
	assert.Equal(t, mid.EffectiveNodename(), job.Mirror.EffectiveNodename())
}

func TestStartCopyReuseExternal(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	top, _, _ := testChain()
	dest := fileLayer(9, "/images/copy.qcow2")
	dest.BackingStore = chain.NewTerminator()

	job, err := c.StartCopy(context.Background(), "vda", top, CopyOpts{Dest: dest, ReuseExternal: true})
	require.NoError(t, err)
	assert.Equal(t, TypeCopy, job.Type)
	assert.Same(t, dest, job.Mirror)

	assert.Equal(t, []string{
		"blockdev-add blockplane-9-storage",
		"blockdev-add blockplane-9-format",
	}, summarize(fake.named("blockdev-add")))

	mirrors := fake.named("blockdev-mirror")
	require.Len(t, mirrors, 1)
	args := gjson.Get(mirrors[0], "arguments")
	assert.Equal(t, "blockplane-1-format", args.Get("device").String())
	assert.Equal(t, "blockplane-9-format", args.Get("target").String())
	assert.Equal(t, "full", args.Get("sync").String())
}

func TestStartCopyShallowSharesBacking(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	top, mid, _ := testChain()
	dest := fileLayer(9, "/images/copy.qcow2")

	_, err := c.StartCopy(context.Background(), "vda", top, CopyOpts{Dest: dest, Shallow: true, ReuseExternal: true})
	require.NoError(t, err)

	adds := fake.named("blockdev-add")
	require.Len(t, adds, 2)
	// The target's format node opens over the source's backing chain.
	formatAdd := adds[1]
	assert.Equal(t, mid.EffectiveNodename(), gjson.Get(formatAdd, "arguments.backing").String())

	mirrors := fake.named("blockdev-mirror")
	require.Len(t, mirrors, 1)
	assert.Equal(t, "top", gjson.Get(mirrors[0], "arguments.sync").String())
}

func TestStartCopyDeferredBackingStaysDetached(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	top, _, _ := testChain()

	dest := fileLayer(9, "/images/copy.qcow2")
	destBase := fileLayer(10, "/images/copy.base.qcow2")
	destBase.BackingStore = chain.NewTerminator()
	dest.BackingStore = destBase

	job, err := c.StartCopy(context.Background(), "vda", top, CopyOpts{
		Dest:          dest,
		Shallow:       true,
		ReuseExternal: true,
	})
	require.NoError(t, err)
	assert.True(t, job.Shallow)
	assert.True(t, job.ReuseExternal)

	// Only the target layer is attached now; its own backing chain waits
	// for the pivot, and until then its backing reference is pinned shut.
	assert.Equal(t, []string{
		"blockdev-add blockplane-9-storage",
		"blockdev-add blockplane-9-format",
	}, summarize(fake.named("blockdev-add")))

	formatAdd := fake.named("blockdev-add")[1]
	backing := gjson.Get(formatAdd, "arguments.backing")
	assert.True(t, backing.Exists())
	assert.Equal(t, gjson.Null, backing.Type)
}

func TestStartCopyRejectionRollsBackTarget(t *testing.T) {
	fake := &fakeCommander{failWhen: "blockdev-mirror", failDesc: "Device is in use"}
	access := &fakeAccess{}
	c := testController(fake, access)
	top, _, _ := testChain()
	dest := fileLayer(9, "/images/copy.qcow2")
	dest.BackingStore = chain.NewTerminator()

	_, err := c.StartCopy(context.Background(), "vda", top, CopyOpts{Dest: dest, ReuseExternal: true})
	require.Error(t, err)

	var qerr *monitor.Error
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "Device is in use", qerr.Desc)

	// The attached target was torn down again and the grant revoked.
	assert.Equal(t, []string{
		"blockdev-del blockplane-9-format",
		"blockdev-del blockplane-9-storage",
	}, summarize(fake.named("blockdev-del")))
	assert.Equal(t, []string{dest.Path}, access.revoked)
	assert.Empty(t, c.Jobs())
}

func TestStartBackupIncremental(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	top, _, _ := testChain()
	dest := fileLayer(9, "/images/backup.qcow2")
	dest.BackingStore = chain.NewTerminator()

	fake.nodesResp = `{"return":[{"node-name":"blockplane-1-format","dirty-bitmaps":[
		{"name":"chk1","granularity":65536,"recording":true,"persistent":true}]}]}`

	job, err := c.StartBackup(context.Background(), "vda", top, BackupOpts{
		Dest:          dest,
		Bitmap:        "chk1",
		ReuseExternal: true,
	})
	require.NoError(t, err)
	assert.Equal(t, TypeBackup, job.Type)

	backups := fake.named("blockdev-backup")
	require.Len(t, backups, 1)
	args := gjson.Get(backups[0], "arguments")
	assert.Equal(t, "incremental", args.Get("sync").String())
	assert.Equal(t, "chk1", args.Get("bitmap").String())
}

func TestStartBackupRejectsUnusableBitmap(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	top, _, _ := testChain()
	dest := fileLayer(9, "/images/backup.qcow2")
	dest.BackingStore = chain.NewTerminator()

	// The bitmap exists mid-chain only, which fails the top-anchored
	// validity rule, so the backup must not start.
	fake.nodesResp = `{"return":[{"node-name":"blockplane-2-format","dirty-bitmaps":[
		{"name":"chk1","granularity":65536,"recording":true,"persistent":true}]}]}`

	_, err := c.StartBackup(context.Background(), "vda", top, BackupOpts{
		Dest:          dest,
		Bitmap:        "chk1",
		ReuseExternal: true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chk1")
	assert.Empty(t, fake.named("blockdev-backup"))
	assert.Empty(t, fake.named("blockdev-add"))
}

func TestStartErrorsDoNotRegisterJobs(t *testing.T) {
	fake := &fakeCommander{failWhen: "block-stream"}
	c := testController(fake, nil)
	top, _, _ := testChain()

	_, err := c.StartPull(context.Background(), "vda", top, PullOpts{})
	require.Error(t, err)
	assert.Empty(t, c.Jobs())

	// A later start on the same disk is not blocked by the failure.
	fake.failWhen = ""
	job, err := c.StartPull(context.Background(), "vda", top, PullOpts{})
	require.NoError(t, err)
	require.NotNil(t, job)

	// Registered jobs report progress once refreshed.
	fake.queueJobs(jobsReturn(jobEntry(job.Name, "stream", "running", "")))
	_, err = c.Refresh(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, job.State)
	assert.WithinDuration(t, time.Now(), job.Started, time.Minute)
}

func TestStartCopyNeedsNodenames(t *testing.T) {
	fake := &fakeCommander{}
	c := testController(fake, nil)
	top, _, _ := testChain()

	_, err := c.StartCopy(context.Background(), "vda", top, CopyOpts{Dest: &chain.Source{
		Type: chain.DiskTypeFile, Format: chain.FormatQcow2, Path: "/images/copy.qcow2",
	}})
	require.Error(t, err)
	var qerr *monitor.Error
	assert.False(t, errors.As(err, &qerr), "configuration error, not a monitor rejection")
	assert.Empty(t, fake.cmds)
}
