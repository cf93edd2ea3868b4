package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/blockplane/blockplane/internal/qjson"
)

// Commander runs one raw QMP command and returns the raw response. It is
// satisfied by go-qemu's SocketMonitor and by LibvirtCommander.
type Commander interface {
	Run(cmd []byte) ([]byte, error)
}

// Error is a command rejection reported by the device manager. Desc is the
// device manager's message, preserved verbatim.
type Error struct {
	Class string
	Desc  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Class == "" {
		return e.Desc
	}
	return fmt.Sprintf("%s (%s)", e.Desc, e.Class)
}

// NotFound reports whether the device manager did not know the referenced
// device or node.
func (e *Error) NotFound() bool {
	return e.Class == "DeviceNotFound"
}

// Client issues typed commands to one VM's device manager. All methods are
// safe for concurrent use; each command exchange runs under the client's
// lock and nothing else does.
type Client struct {
	mu   sync.Mutex
	cmdr Commander
	log  *logrus.Entry
}

// NewClient wraps a transport for the named VM.
func NewClient(cmdr Commander, vm string) *Client {
	return &Client{
		cmdr: cmdr,
		log:  logrus.WithField("vm", vm),
	}
}

// commandJSON marshals one command envelope.
func commandJSON(command string, args *qjson.Object) ([]byte, error) {
	msg, err := qjson.NewObjectBuilder().
		String("execute", command).
		ObjectOpt("arguments", args).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building %s command: %w", command, err)
	}
	raw, err := msg.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling %s command: %w", command, err)
	}
	return raw, nil
}

// responseError extracts a command rejection from a response, if any.
// The device manager's message is preserved verbatim.
func responseError(resp []byte) error {
	errVal := gjson.GetBytes(resp, "error")
	if !errVal.Exists() {
		return nil
	}
	return &Error{
		Class: errVal.Get("class").String(),
		Desc:  errVal.Get("desc").String(),
	}
}

// run marshals and executes one command, holding the lock only for the
// exchange. On success it returns the "return" subtree of the response.
func (c *Client) run(ctx context.Context, command string, args *qjson.Object) (gjson.Result, error) {
	if err := ctx.Err(); err != nil {
		return gjson.Result{}, err
	}

	raw, err := commandJSON(command, args)
	if err != nil {
		return gjson.Result{}, err
	}

	c.log.WithField("command", command).Debug("issuing monitor command")

	c.mu.Lock()
	resp, err := c.cmdr.Run(raw)
	c.mu.Unlock()
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", command, err)
	}

	if qerr := responseError(resp); qerr != nil {
		return gjson.Result{}, qerr
	}
	return gjson.GetBytes(resp, "return"), nil
}
