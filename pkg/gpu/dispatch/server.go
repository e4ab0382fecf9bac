package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/oisee/cftrace/pkg/gpu"
)

// Serve answers requests from r on w with dev until a release request or
// the end of r. dev is released before Serve returns. A malformed request
// ends the session with an error; device failures are reported to the
// client and the session continues.
func Serve(ctx context.Context, r io.Reader, w io.Writer, dev gpu.Device, logger *zap.Logger) (err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	released := false
	defer func() {
		if !released {
			if rerr := dev.Release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
				err = rerr
			}
		}
	}()

	for {
		code, err := readU32(br)
		if errors.Is(err, io.EOF) {
			logger.Debug("client closed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("dispatch: read op: %w", err)
		}
		o := op(code)
		reply, derr, err := handle(ctx, o, br, dev)
		if err != nil {
			return fmt.Errorf("dispatch: op %d: %w", o, err)
		}
		if o == opRelease {
			released = true
		}
		if derr != nil {
			logger.Debug("request failed", zap.Uint32("op", code), zap.Error(derr))
			if err := writeU32(bw, uint32(statusOf(derr))); err != nil {
				return err
			}
			if err := writeBytes(bw, []byte(derr.Error())); err != nil {
				return err
			}
		} else {
			if err := writeU32(bw, uint32(statusOK)); err != nil {
				return err
			}
			if reply != nil {
				if err := reply(bw); err != nil {
					return err
				}
			}
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		if o == opRelease {
			logger.Debug("released")
			return nil
		}
	}
}

// handle decodes and executes one request. derr is a device failure to
// report; err is a protocol failure that ends the session.
func handle(ctx context.Context, o op, r io.Reader, dev gpu.Device) (reply func(io.Writer) error, derr, err error) {
	u32 := func(v uint32) func(io.Writer) error {
		return func(w io.Writer) error { return writeU32(w, v) }
	}
	switch o {
	case opCreateBuffer:
		size, err := readU64(r)
		if err != nil {
			return nil, nil, err
		}
		usage, err := readU32(r)
		if err != nil {
			return nil, nil, err
		}
		h, derr := dev.CreateBuffer(ctx, size, gpu.Usage(usage))
		return u32(uint32(h)), derr, nil

	case opWriteBuffer:
		h, err := readU32(r)
		if err != nil {
			return nil, nil, err
		}
		offset, err := readU64(r)
		if err != nil {
			return nil, nil, err
		}
		data, err := readBytes(r)
		if err != nil {
			return nil, nil, err
		}
		return nil, dev.WriteBuffer(ctx, gpu.Buffer(h), offset, data), nil

	case opCreatePipeline:
		entry, err := readBytes(r)
		if err != nil {
			return nil, nil, err
		}
		code, err := readBytes(r)
		if err != nil {
			return nil, nil, err
		}
		p, derr := dev.CreatePipeline(ctx, string(code), string(entry))
		return u32(uint32(p)), derr, nil

	case opSubmit:
		cmds, err := readCommands(r)
		if err != nil {
			return nil, nil, err
		}
		ms, err := readU32(r)
		if err != nil {
			return nil, nil, err
		}
		sctx := ctx
		if ms > 0 {
			var cancel context.CancelFunc
			sctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
			defer cancel()
		}
		return nil, dev.Submit(sctx, cmds), nil

	case opMapRead:
		h, err := readU32(r)
		if err != nil {
			return nil, nil, err
		}
		size, err := readU64(r)
		if err != nil {
			return nil, nil, err
		}
		data, derr := dev.MapRead(ctx, gpu.Buffer(h), size)
		return func(w io.Writer) error { return writeBytes(w, data) }, derr, nil

	case opRelease:
		return nil, dev.Release(ctx), nil
	}
	return nil, nil, fmt.Errorf("unknown op")
}
