package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/blockplane/blockplane/internal/qjson"
)

func mustObject(t *testing.T, build func(b *qjson.ObjectBuilder)) *qjson.Object {
	t.Helper()
	b := qjson.NewObjectBuilder()
	build(b)
	obj, err := b.Build()
	if err != nil {
		t.Fatalf("building object: %v", err)
	}
	return obj
}

func TestClientCommands(t *testing.T) {
	tests := []struct {
		name   string
		invoke func(c *Client) error
		want   string
	}{
		{
			name: "blockdev-add passes props through",
			invoke: func(c *Client) error {
				props, err := qjson.NewObjectBuilder().
					String("driver", "file").
					String("node-name", "blockplane-1-storage").
					Build()
				if err != nil {
					return err
				}
				return c.BlockdevAdd(context.Background(), props)
			},
			want: `{"execute":"blockdev-add","arguments":{"driver":"file","node-name":"blockplane-1-storage"}}`,
		},
		{
			name: "blockdev-del",
			invoke: func(c *Client) error {
				return c.BlockdevDel(context.Background(), "blockplane-1-format")
			},
			want: `{"execute":"blockdev-del","arguments":{"node-name":"blockplane-1-format"}}`,
		},
		{
			name: "blockdev-reopen wraps options",
			invoke: func(c *Client) error {
				opt, err := qjson.NewObjectBuilder().
					String("node-name", "blockplane-1-format").
					Bool("read-only", true).
					Build()
				if err != nil {
					return err
				}
				opts := &qjson.Array{}
				opts.Append(opt)
				return c.BlockdevReopen(context.Background(), opts)
			},
			want: `{"execute":"blockdev-reopen","arguments":{"options":[{"node-name":"blockplane-1-format","read-only":true}]}}`,
		},
		{
			name: "blockdev-create",
			invoke: func(c *Client) error {
				opts, err := qjson.NewObjectBuilder().
					String("driver", "qcow2").
					Build()
				if err != nil {
					return err
				}
				return c.BlockdevCreate(context.Background(), "create-vda-1", opts)
			},
			want: `{"execute":"blockdev-create","arguments":{"job-id":"create-vda-1","options":{"driver":"qcow2"}}}`,
		},
		{
			name: "object-del",
			invoke: func(c *Client) error {
				return c.ObjectDel(context.Background(), "blockplane-1-storage-auth-secret0")
			},
			want: `{"execute":"object-del","arguments":{"id":"blockplane-1-storage-auth-secret0"}}`,
		},
		{
			name: "chardev-add",
			invoke: func(c *Client) error {
				backend, err := qjson.NewObjectBuilder().
					String("type", "socket").
					Build()
				if err != nil {
					return err
				}
				return c.ChardevAdd(context.Background(), "chr-blockplane-1-storage", backend)
			},
			want: `{"execute":"chardev-add","arguments":{"id":"chr-blockplane-1-storage","backend":{"type":"socket"}}}`,
		},
		{
			name: "chardev-remove",
			invoke: func(c *Client) error {
				return c.ChardevRemove(context.Background(), "chr-blockplane-1-storage")
			},
			want: `{"execute":"chardev-remove","arguments":{"id":"chr-blockplane-1-storage"}}`,
		},
		{
			name: "remove-fd",
			invoke: func(c *Client) error {
				return c.RemoveFDSet(context.Background(), 3)
			},
			want: `{"execute":"remove-fd","arguments":{"fdset-id":3}}`,
		},
		{
			name: "job-complete",
			invoke: func(c *Client) error {
				return c.JobComplete(context.Background(), "copy-vda-1")
			},
			want: `{"execute":"job-complete","arguments":{"id":"copy-vda-1"}}`,
		},
		{
			name: "job-finalize",
			invoke: func(c *Client) error {
				return c.JobFinalize(context.Background(), "backup-vda-1")
			},
			want: `{"execute":"job-finalize","arguments":{"id":"backup-vda-1"}}`,
		},
		{
			name: "job-dismiss",
			invoke: func(c *Client) error {
				return c.JobDismiss(context.Background(), "commit-vda-1")
			},
			want: `{"execute":"job-dismiss","arguments":{"id":"commit-vda-1"}}`,
		},
		{
			name: "job-cancel",
			invoke: func(c *Client) error {
				return c.JobCancel(context.Background(), "pull-vda-1")
			},
			want: `{"execute":"job-cancel","arguments":{"id":"pull-vda-1"}}`,
		},
		{
			name: "mirror with all knobs",
			invoke: func(c *Client) error {
				return c.BlockdevMirror(context.Background(), MirrorOpts{
					JobID:        "copy-vda-1",
					Device:       "blockplane-1-format",
					Target:       "blockplane-9-format",
					Granularity:  65536,
					BufSize:      1048576,
					WriteBlocked: true,
					AutoFinalize: true,
				})
			},
			want: `{"execute":"blockdev-mirror","arguments":{"job-id":"copy-vda-1","device":"blockplane-1-format","target":"blockplane-9-format","sync":"full","granularity":65536,"buf-size":1048576,"copy-mode":"write-blocking","auto-finalize":true,"auto-dismiss":false}}`,
		},
		{
			name: "shallow mirror keeps backing shared",
			invoke: func(c *Client) error {
				return c.BlockdevMirror(context.Background(), MirrorOpts{
					JobID:  "copy-vda-2",
					Device: "blockplane-1-format",
					Target: "blockplane-9-format",
				})
			},
			want: `{"execute":"blockdev-mirror","arguments":{"job-id":"copy-vda-2","device":"blockplane-1-format","target":"blockplane-9-format","sync":"top","auto-finalize":false,"auto-dismiss":false}}`,
		},
		{
			name: "commit",
			invoke: func(c *Client) error {
				return c.BlockCommit(context.Background(), CommitOpts{
					JobID:        "commit-vda-1",
					Device:       "blockplane-3-format",
					TopNode:      "blockplane-2-format",
					BaseNode:     "blockplane-1-format",
					BackingFile:  "/images/base.qcow2",
					AutoFinalize: true,
				})
			},
			want: `{"execute":"block-commit","arguments":{"job-id":"commit-vda-1","device":"blockplane-3-format","top-node":"blockplane-2-format","base-node":"blockplane-1-format","backing-file":"/images/base.qcow2","auto-finalize":true,"auto-dismiss":false}}`,
		},
		{
			name: "incremental backup",
			invoke: func(c *Client) error {
				return c.BlockdevBackup(context.Background(), BackupOpts{
					JobID:        "backup-vda-1",
					Device:       "blockplane-1-format",
					Target:       "blockplane-9-format",
					Sync:         "incremental",
					Bitmap:       "weekly",
					AutoFinalize: true,
				})
			},
			want: `{"execute":"blockdev-backup","arguments":{"job-id":"backup-vda-1","device":"blockplane-1-format","target":"blockplane-9-format","sync":"incremental","bitmap":"weekly","auto-finalize":true,"auto-dismiss":false}}`,
		},
		{
			name: "stream whole chain",
			invoke: func(c *Client) error {
				return c.BlockStream(context.Background(), StreamOpts{
					JobID:        "pull-vda-1",
					Device:       "blockplane-1-format",
					AutoFinalize: true,
				})
			},
			want: `{"execute":"block-stream","arguments":{"job-id":"pull-vda-1","device":"blockplane-1-format","auto-finalize":true,"auto-dismiss":false}}`,
		},
		{
			name: "stream to intermediate base",
			invoke: func(c *Client) error {
				return c.BlockStream(context.Background(), StreamOpts{
					JobID:        "pull-vda-2",
					Device:       "blockplane-3-format",
					BaseNode:     "blockplane-1-format",
					BackingFile:  "/images/base.qcow2",
					AutoFinalize: true,
				})
			},
			want: `{"execute":"block-stream","arguments":{"job-id":"pull-vda-2","device":"blockplane-3-format","base-node":"blockplane-1-format","backing-file":"/images/base.qcow2","auto-finalize":true,"auto-dismiss":false}}`,
		},
		{
			name: "export add",
			invoke: func(c *Client) error {
				return c.BlockExportAdd(context.Background(), ExportOpts{
					ID:       "exp-vda",
					NodeName: "blockplane-1-format",
					Name:     "vda",
					Writable: true,
					Bitmaps:  []string{"weekly"},
				})
			},
			want: `{"execute":"block-export-add","arguments":{"type":"nbd","id":"exp-vda","node-name":"blockplane-1-format","name":"vda","writable":true,"bitmaps":["weekly"]}}`,
		},
		{
			name: "export del",
			invoke: func(c *Client) error {
				return c.BlockExportDel(context.Background(), "exp-vda")
			},
			want: `{"execute":"block-export-del","arguments":{"id":"exp-vda"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeCommander{}
			c := NewClient(fake, "testvm")

			if err := tt.invoke(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(fake.cmds) != 1 {
				t.Fatalf("expected 1 command, got %d", len(fake.cmds))
			}
			if fake.cmds[0] != tt.want {
				t.Errorf("command mismatch\n got: %s\nwant: %s", fake.cmds[0], tt.want)
			}
		})
	}
}

func TestTransaction(t *testing.T) {
	data := mustObject(t, func(b *qjson.ObjectBuilder) {
		b.String("node", "blockplane-1-format")
		b.String("name", "weekly")
	})
	action, err := TransactionAction("block-dirty-bitmap-add", data)
	if err != nil {
		t.Fatalf("building action: %v", err)
	}
	actions := &qjson.Array{}
	actions.Append(action)

	fake := &fakeCommander{}
	c := NewClient(fake, "testvm")
	if err := c.Transaction(context.Background(), actions); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{"execute":"transaction","arguments":{"actions":[{"type":"block-dirty-bitmap-add","data":{"node":"blockplane-1-format","name":"weekly"}}]}}`
	if fake.cmds[0] != want {
		t.Errorf("command mismatch\n got: %s\nwant: %s", fake.cmds[0], want)
	}
}

func TestClientErrorVerbatim(t *testing.T) {
	fake := &fakeCommander{
		responses: []string{`{"error":{"class":"GenericError","desc":"Parameter 'node-name' is missing"}}`},
	}
	c := NewClient(fake, "testvm")

	err := c.BlockdevDel(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	var qerr *Error
	if !errors.As(err, &qerr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if qerr.Desc != "Parameter 'node-name' is missing" {
		t.Errorf("desc not preserved: %q", qerr.Desc)
	}
	if qerr.Error() != "Parameter 'node-name' is missing (GenericError)" {
		t.Errorf("unexpected message: %q", qerr.Error())
	}
	if qerr.NotFound() {
		t.Error("GenericError must not report NotFound")
	}
}

func TestClientErrorNotFound(t *testing.T) {
	fake := &fakeCommander{
		responses: []string{`{"error":{"class":"DeviceNotFound","desc":"Failed to find node with node-name='x'"}}`},
	}
	c := NewClient(fake, "testvm")

	err := c.BlockdevDel(context.Background(), "x")
	var qerr *Error
	if !errors.As(err, &qerr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if !qerr.NotFound() {
		t.Error("DeviceNotFound must report NotFound")
	}
}

func TestClientTransportError(t *testing.T) {
	broken := errors.New("broken pipe")
	fake := &fakeCommander{err: broken}
	c := NewClient(fake, "testvm")

	err := c.BlockdevDel(context.Background(), "n")
	if !errors.Is(err, broken) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestClientContextCancelled(t *testing.T) {
	fake := &fakeCommander{}
	c := NewClient(fake, "testvm")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.BlockdevDel(ctx, "n"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if len(fake.cmds) != 0 {
		t.Errorf("no command should be issued after cancellation, got %d", len(fake.cmds))
	}
}

func TestAddFD(t *testing.T) {
	fake := &fakeFileCommander{}
	c := NewClient(fake, "testvm")

	setID, err := c.AddFD(context.Background(), -1, "RDONLY:/dev/sdb", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if setID != 4 {
		t.Errorf("expected set id 4, got %d", setID)
	}
	want := `{"execute":"add-fd","arguments":{"opaque":"RDONLY:/dev/sdb"}}`
	if fake.cmds[0] != want {
		t.Errorf("command mismatch\n got: %s\nwant: %s", fake.cmds[0], want)
	}

	// Adding into an existing set names it explicitly.
	if _, err := c.AddFD(context.Background(), 4, "RDWR:/dev/sdb", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want = `{"execute":"add-fd","arguments":{"fdset-id":4,"opaque":"RDWR:/dev/sdb"}}`
	if fake.cmds[1] != want {
		t.Errorf("command mismatch\n got: %s\nwant: %s", fake.cmds[1], want)
	}
}

func TestAddFDUnsupportedTransport(t *testing.T) {
	fake := &fakeCommander{}
	c := NewClient(fake, "testvm")

	if _, err := c.AddFD(context.Background(), -1, "", nil); err == nil {
		t.Fatal("expected error for transport without descriptor passing")
	}
	if len(fake.cmds) != 0 {
		t.Error("no command should reach the transport")
	}
}

func TestQueryJobs(t *testing.T) {
	fake := &fakeCommander{
		responses: []string{`{"return":[
			{"id":"commit-vda-1","type":"commit","status":"ready","current-progress":1048576,"total-progress":1048576},
			{"id":"pull-vdb-2","type":"stream","status":"aborting","error":"No space left on device"}
		]}`},
	}
	c := NewClient(fake, "testvm")

	jobs, err := c.QueryJobs(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "commit-vda-1" || jobs[0].Type != "commit" || jobs[0].Status != "ready" {
		t.Errorf("unexpected first job: %+v", jobs[0])
	}
	if jobs[0].Current != 1048576 || jobs[0].Total != 1048576 {
		t.Errorf("progress not parsed: %+v", jobs[0])
	}
	if jobs[1].Error != "No space left on device" {
		t.Errorf("job error not preserved: %q", jobs[1].Error)
	}
}

func TestFindJob(t *testing.T) {
	fake := &fakeCommander{
		responses: []string{
			`{"return":[{"id":"copy-vda-1","type":"mirror","status":"running"}]}`,
			`{"return":[{"id":"copy-vda-1","type":"mirror","status":"running"}]}`,
		},
	}
	c := NewClient(fake, "testvm")

	job, err := c.FindJob(context.Background(), "copy-vda-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job == nil || job.Status != "running" {
		t.Fatalf("expected running job, got %+v", job)
	}

	job, err = c.FindJob(context.Background(), "gone")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil for unknown job, got %+v", job)
	}
}

func TestQueryNamedBlockNodes(t *testing.T) {
	fake := &fakeCommander{
		responses: []string{`{"return":[
			{"node-name":"blockplane-1-format","dirty-bitmaps":[
				{"name":"weekly","granularity":65536,"recording":true,"persistent":true,"busy":false}
			]},
			{"node-name":"blockplane-1-storage"},
			{"drv":"file"}
		]}`},
	}
	c := NewClient(fake, "testvm")

	nodes, err := c.QueryNamedBlockNodes(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := `{"execute":"query-named-block-nodes","arguments":{"flat":true}}`
	if fake.cmds[0] != want {
		t.Errorf("command mismatch\n got: %s\nwant: %s", fake.cmds[0], want)
	}

	if len(nodes) != 2 {
		t.Fatalf("expected 2 named nodes, got %d", len(nodes))
	}
	entries, ok := nodes["blockplane-1-format"]
	if !ok || len(entries) != 1 {
		t.Fatalf("expected one bitmap on format node, got %+v", nodes)
	}
	e := entries[0]
	if e.Name != "weekly" || e.Granularity != 65536 || !e.Recording || !e.Persistent || e.Busy || e.Inconsistent {
		t.Errorf("unexpected bitmap entry: %+v", e)
	}
	if got, ok := nodes["blockplane-1-storage"]; !ok || len(got) != 0 {
		t.Errorf("storage node should be present with no bitmaps: %+v", got)
	}
}
