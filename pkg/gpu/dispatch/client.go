package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/gpu"
)

// Driver is the registered driver name.
const Driver = "dispatch"

// DefaultServer is the server executable used when Options.Server is empty.
var DefaultServer = "cfdispatch"

func init() {
	gpu.Register(Driver, func(ctx context.Context, opts gpu.Options) (gpu.Device, error) {
		return Start(ctx, opts)
	})
}

// Client is a gpu.Device served by another process. Requests are
// serialized; a transport failure or cancellation leaves the client
// unusable and every later call reports gpu.ErrDeviceLost.
type Client struct {
	r     io.Reader
	w     *bufio.Writer
	abort func()
	done  func() error
	log   *zap.Logger

	mu     sync.Mutex
	broken error
}

// NewClient speaks the protocol over r and w. abort must unblock pending
// reads and writes; done is called once after release.
func NewClient(r io.Reader, w io.Writer, abort func(), done func() error, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if abort == nil {
		abort = func() {}
	}
	return &Client{r: bufio.NewReader(r), w: bufio.NewWriter(w), abort: abort, done: done, log: logger}
}

// Start launches the dispatch server and connects to it. The server
// inherits the environment plus opts.Env and the adapter choice.
func Start(ctx context.Context, opts gpu.Options) (*Client, error) {
	path := opts.Server
	if path == "" {
		path = DefaultServer
	}
	args := opts.ServerArgs
	if len(args) == 0 {
		args = []string{"serve"}
	}
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.Adapter != "" {
		cmd.Env = append(cmd.Env, "CFTRACE_GPU_ADAPTER="+opts.Adapter)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("dispatch: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("dispatch: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("dispatch: start %s: %w", path, err)
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("dispatch").With(zap.Int("pid", cmd.Process.Pid))
	log.Debug("server started", zap.String("path", path), zap.Strings("args", args))

	kill := func() { cmd.Process.Kill() }
	wait := func() error {
		stdin.Close()
		return cmd.Wait()
	}
	return NewClient(stdout, stdin, kill, wait, log), nil
}

// call sends one request and reads its response. ctx cancellation aborts
// the transport.
func (c *Client) call(ctx context.Context, o op, req func(w io.Writer) error, resp func(r io.Reader) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return fmt.Errorf("dispatch: %w: %w", gpu.ErrDeviceLost, c.broken)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, c.abort)
	defer stop()

	err := c.roundTrip(o, req, resp)
	if err == nil {
		return nil
	}
	var re *remote
	if errors.As(err, &re) {
		return re.err
	}
	if ctx.Err() != nil {
		c.broken = ctx.Err()
		return fmt.Errorf("dispatch: %w", ctx.Err())
	}
	c.broken = err
	return fmt.Errorf("dispatch: %w: %w", gpu.ErrDeviceLost, err)
}

// remote marks a failure the server reported, as opposed to a broken
// transport.
type remote struct{ err error }

func (r *remote) Error() string { return r.err.Error() }

func (c *Client) roundTrip(o op, req func(w io.Writer) error, resp func(r io.Reader) error) error {
	if err := writeU32(c.w, uint32(o)); err != nil {
		return err
	}
	if req != nil {
		if err := req(c.w); err != nil {
			return err
		}
	}
	if err := c.w.Flush(); err != nil {
		return err
	}
	s, err := readU32(c.r)
	if err != nil {
		return err
	}
	if status(s) != statusOK {
		msg, err := readBytes(c.r)
		if err != nil {
			return err
		}
		return &remote{err: remoteError(status(s), string(msg))}
	}
	if resp != nil {
		return resp(c.r)
	}
	return nil
}

func (c *Client) CreateBuffer(ctx context.Context, size uint64, usage gpu.Usage) (gpu.Buffer, error) {
	var h uint32
	err := c.call(ctx, opCreateBuffer, func(w io.Writer) error {
		if err := writeU64(w, size); err != nil {
			return err
		}
		return writeU32(w, uint32(usage))
	}, func(r io.Reader) (err error) {
		h, err = readU32(r)
		return err
	})
	return gpu.Buffer(h), err
}

func (c *Client) WriteBuffer(ctx context.Context, buf gpu.Buffer, offset uint64, data []byte) error {
	return c.call(ctx, opWriteBuffer, func(w io.Writer) error {
		if err := writeU32(w, uint32(buf)); err != nil {
			return err
		}
		if err := writeU64(w, offset); err != nil {
			return err
		}
		return writeBytes(w, data)
	}, nil)
}

func (c *Client) CreatePipeline(ctx context.Context, code, entry string) (gpu.Pipeline, error) {
	var h uint32
	err := c.call(ctx, opCreatePipeline, func(w io.Writer) error {
		if err := writeBytes(w, []byte(entry)); err != nil {
			return err
		}
		return writeBytes(w, []byte(code))
	}, func(r io.Reader) (err error) {
		h, err = readU32(r)
		return err
	})
	return gpu.Pipeline(h), err
}

// Submit forwards the context deadline so the server can stop waiting on
// its own device; cancellation still aborts the transport.
func (c *Client) Submit(ctx context.Context, cmds gpu.Commands) error {
	var timeout uint32
	if dl, ok := ctx.Deadline(); ok {
		ms := time.Until(dl).Milliseconds()
		timeout = uint32(max(ms, 1))
	}
	return c.call(ctx, opSubmit, func(w io.Writer) error {
		if err := writeCommands(w, cmds); err != nil {
			return err
		}
		return writeU32(w, timeout)
	}, nil)
}

func (c *Client) MapRead(ctx context.Context, buf gpu.Buffer, size uint64) ([]byte, error) {
	var out []byte
	err := c.call(ctx, opMapRead, func(w io.Writer) error {
		if err := writeU32(w, uint32(buf)); err != nil {
			return err
		}
		return writeU64(w, size)
	}, func(r io.Reader) (err error) {
		out, err = readBytes(r)
		return err
	})
	return out, err
}

// Release asks the server to free the device and exit, then waits for it.
func (c *Client) Release(ctx context.Context) error {
	err := c.call(ctx, opRelease, nil, nil)
	if errors.Is(err, gpu.ErrDeviceLost) {
		// The transport is already gone; only reaping is left.
		err = nil
	}
	if c.done != nil {
		if derr := c.done(); derr != nil {
			c.log.Debug("server exit", zap.Error(derr))
		}
	}
	return err
}

var _ gpu.Device = (*Client)(nil)
