package monitor

import (
	"context"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	"github.com/blockplane/blockplane/internal/qjson"
)

// BlockdevAdd installs a new block node from a fully built property set.
// The caller is responsible for node-name and driver being present.
func (c *Client) BlockdevAdd(ctx context.Context, props *qjson.Object) error {
	_, err := c.run(ctx, "blockdev-add", props)
	return err
}

// BlockdevDel removes a block node by node-name. The node must be idle.
func (c *Client) BlockdevDel(ctx context.Context, nodename string) error {
	args, err := qjson.NewObjectBuilder().
		String("node-name", nodename).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "blockdev-del", args)
	return err
}

// BlockdevReopen atomically changes options of one or more existing nodes.
// Each element of options is a full property set including node-name.
func (c *Client) BlockdevReopen(ctx context.Context, options *qjson.Array) error {
	args, err := qjson.NewObjectBuilder().
		Array("options", options).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "blockdev-reopen", args)
	return err
}

// BlockdevCreate starts a create job that formats or allocates storage
// described by options. Completion is observed through the job API.
func (c *Client) BlockdevCreate(ctx context.Context, jobID string, options *qjson.Object) error {
	args, err := qjson.NewObjectBuilder().
		String("job-id", jobID).
		Object("options", options).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "blockdev-create", args)
	return err
}

// ObjectAdd installs a QOM object (secret, TLS creds, PR manager helper).
func (c *Client) ObjectAdd(ctx context.Context, props *qjson.Object) error {
	_, err := c.run(ctx, "object-add", props)
	return err
}

// ObjectDel removes a QOM object by alias.
func (c *Client) ObjectDel(ctx context.Context, alias string) error {
	args, err := qjson.NewObjectBuilder().
		String("id", alias).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "object-del", args)
	return err
}

// ChardevAdd installs a character device with the given backend definition.
func (c *Client) ChardevAdd(ctx context.Context, id string, backend *qjson.Object) error {
	args, err := qjson.NewObjectBuilder().
		String("id", id).
		Object("backend", backend).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "chardev-add", args)
	return err
}

// ChardevRemove removes a character device by id.
func (c *Client) ChardevRemove(ctx context.Context, id string) error {
	args, err := qjson.NewObjectBuilder().
		String("id", id).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "chardev-remove", args)
	return err
}

// fileRunner is implemented by transports able to pass a file descriptor
// alongside a command. qmp.SocketMonitor implements it; the libvirt
// passthrough transport does not.
type fileRunner interface {
	RunWithFile(cmd []byte, file *os.File) ([]byte, error)
}

// AddFD passes file into the VM and adds it to an fd set. A negative setID
// lets the VM allocate a fresh set. The set id holding the descriptor is
// returned so it can be referenced as /dev/fdset/<id> and removed later.
func (c *Client) AddFD(ctx context.Context, setID int, opaque string, file *os.File) (int, error) {
	fr, ok := c.cmdr.(fileRunner)
	if !ok {
		return -1, fmt.Errorf("add-fd: transport does not support descriptor passing")
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	b := qjson.NewObjectBuilder()
	b.IntOmitNeg("fdset-id", int64(setID))
	b.StringOpt("opaque", opaque)
	args, err := b.Build()
	if err != nil {
		return -1, err
	}
	cmd, err := commandJSON("add-fd", args)
	if err != nil {
		return -1, err
	}

	c.log.WithField("command", "add-fd").Debug("running monitor command")

	c.mu.Lock()
	resp, err := fr.RunWithFile(cmd, file)
	c.mu.Unlock()
	if err != nil {
		return -1, fmt.Errorf("add-fd: %w", err)
	}
	if qerr := responseError(resp); qerr != nil {
		return -1, qerr
	}
	return int(gjson.GetBytes(resp, "return.fdset-id").Int()), nil
}

// RemoveFDSet removes every descriptor in the given fd set.
func (c *Client) RemoveFDSet(ctx context.Context, setID int) error {
	args, err := qjson.NewObjectBuilder().
		Int("fdset-id", int64(setID)).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "remove-fd", args)
	return err
}

// TransactionAction wraps a command payload in the envelope expected by the
// transaction command.
func TransactionAction(typ string, data *qjson.Object) (*qjson.Object, error) {
	return qjson.NewObjectBuilder().
		String("type", typ).
		Object("data", data).
		Build()
}

// Transaction executes a group of actions atomically.
func (c *Client) Transaction(ctx context.Context, actions *qjson.Array) error {
	args, err := qjson.NewObjectBuilder().
		Array("actions", actions).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "transaction", args)
	return err
}

// JobComplete asks a job in the ready state to finish, pivoting mirrors
// and active commits onto their target.
func (c *Client) JobComplete(ctx context.Context, id string) error {
	return c.jobCommand(ctx, "job-complete", id)
}

// JobFinalize applies the effects of a job started with auto-finalize off.
func (c *Client) JobFinalize(ctx context.Context, id string) error {
	return c.jobCommand(ctx, "job-finalize", id)
}

// JobDismiss releases a concluded job so its id can be reused.
func (c *Client) JobDismiss(ctx context.Context, id string) error {
	return c.jobCommand(ctx, "job-dismiss", id)
}

// JobCancel aborts a running job. Mirrors that already reached ready state
// converge and conclude without pivoting.
func (c *Client) JobCancel(ctx context.Context, id string) error {
	return c.jobCommand(ctx, "job-cancel", id)
}

func (c *Client) jobCommand(ctx context.Context, command, id string) error {
	args, err := qjson.NewObjectBuilder().
		String("id", id).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, command, args)
	return err
}

// MirrorOpts configures a blockdev-mirror job. Device is the node the guest
// writes through, Target the node receiving the copy.
type MirrorOpts struct {
	JobID        string
	Device       string
	Target       string
	Shallow      bool // copy only the top image, keep backing shared
	Granularity  uint64
	BufSize      uint64
	WriteBlocked bool // write-blocking copy mode for synchronous mirroring
	AutoFinalize bool
}

// BlockdevMirror starts a mirror job copying Device onto Target.
func (c *Client) BlockdevMirror(ctx context.Context, opts MirrorOpts) error {
	sync := "full"
	if opts.Shallow {
		sync = "top"
	}
	b := qjson.NewObjectBuilder()
	b.String("job-id", opts.JobID)
	b.String("device", opts.Device)
	b.String("target", opts.Target)
	b.String("sync", sync)
	b.UintOmitZero("granularity", opts.Granularity)
	b.UintOmitZero("buf-size", opts.BufSize)
	if opts.WriteBlocked {
		b.String("copy-mode", "write-blocking")
	}
	b.Bool("auto-finalize", opts.AutoFinalize)
	b.Bool("auto-dismiss", false)
	args, err := b.Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "blockdev-mirror", args)
	return err
}

// CommitOpts configures a block-commit job moving data from TopNode down
// into BaseNode. BackingFile, when set, is recorded in the overlay above
// TopNode once the job concludes.
type CommitOpts struct {
	JobID        string
	Device       string
	TopNode      string
	BaseNode     string
	BackingFile  string
	AutoFinalize bool
}

// BlockCommit starts a commit job. Committing the active layer turns the
// job into an active commit which must be completed to pivot.
func (c *Client) BlockCommit(ctx context.Context, opts CommitOpts) error {
	b := qjson.NewObjectBuilder()
	b.String("job-id", opts.JobID)
	b.String("device", opts.Device)
	b.String("top-node", opts.TopNode)
	b.String("base-node", opts.BaseNode)
	b.StringOpt("backing-file", opts.BackingFile)
	b.Bool("auto-finalize", opts.AutoFinalize)
	b.Bool("auto-dismiss", false)
	args, err := b.Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "block-commit", args)
	return err
}

// BackupOpts configures a blockdev-backup job. Sync selects full, top or
// incremental mode; Bitmap names the dirty bitmap for incremental backups.
type BackupOpts struct {
	JobID        string
	Device       string
	Target       string
	Sync         string
	Bitmap       string
	AutoFinalize bool
}

// BlockdevBackup starts a point-in-time backup of Device onto Target.
func (c *Client) BlockdevBackup(ctx context.Context, opts BackupOpts) error {
	b := qjson.NewObjectBuilder()
	b.String("job-id", opts.JobID)
	b.String("device", opts.Device)
	b.String("target", opts.Target)
	b.String("sync", opts.Sync)
	b.StringOpt("bitmap", opts.Bitmap)
	b.Bool("auto-finalize", opts.AutoFinalize)
	b.Bool("auto-dismiss", false)
	args, err := b.Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "blockdev-backup", args)
	return err
}

// StreamOpts configures a block-stream job pulling data from the backing
// chain into Device. An empty BaseNode streams the entire chain.
type StreamOpts struct {
	JobID        string
	Device       string
	BaseNode     string
	BackingFile  string
	AutoFinalize bool
}

// BlockStream starts a pull job populating Device from its backing chain.
func (c *Client) BlockStream(ctx context.Context, opts StreamOpts) error {
	b := qjson.NewObjectBuilder()
	b.String("job-id", opts.JobID)
	b.String("device", opts.Device)
	b.StringOpt("base-node", opts.BaseNode)
	b.StringOpt("backing-file", opts.BackingFile)
	b.Bool("auto-finalize", opts.AutoFinalize)
	b.Bool("auto-dismiss", false)
	args, err := b.Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "block-stream", args)
	return err
}

// ExportOpts configures an NBD export of a block node.
type ExportOpts struct {
	ID       string
	NodeName string
	Name     string
	Writable bool
	Bitmaps  []string
}

// BlockExportAdd publishes a node over the VM's NBD server.
func (c *Client) BlockExportAdd(ctx context.Context, opts ExportOpts) error {
	b := qjson.NewObjectBuilder()
	b.String("type", "nbd")
	b.String("id", opts.ID)
	b.String("node-name", opts.NodeName)
	b.StringOpt("name", opts.Name)
	b.BoolOmitFalse("writable", opts.Writable)
	b.StringList("bitmaps", opts.Bitmaps)
	args, err := b.Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "block-export-add", args)
	return err
}

// BlockExportDel withdraws an NBD export.
func (c *Client) BlockExportDel(ctx context.Context, id string) error {
	args, err := qjson.NewObjectBuilder().
		String("id", id).
		Build()
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "block-export-del", args)
	return err
}
