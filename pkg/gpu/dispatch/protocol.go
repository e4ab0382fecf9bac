// Package dispatch runs a gpu.Device in a separate process. The client
// speaks a little-endian binary protocol over the child's stdin/stdout;
// the server decodes requests and drives a local device. A shader that
// wedges or crashes the driver then takes down the server, not the
// harness.
//
// Every request is an op code followed by its fields. Every response is a
// status word; a non-zero status is followed by a length-prefixed message.
//
//	op 1 create_buffer   size u64, usage u32            -> handle u32
//	op 2 write_buffer    handle u32, offset u64, bytes  -> -
//	op 3 create_pipeline entry str, code str            -> handle u32
//	op 4 submit          see writeCommands, timeout u32 -> -
//	op 5 map_read        handle u32, size u64           -> bytes
//	op 6 release                                        -> - (server exits)
//
// str and bytes are a u32 length followed by the data.
package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/oisee/cftrace/pkg/backend"
	"github.com/oisee/cftrace/pkg/gpu"
)

type op uint32

const (
	opCreateBuffer op = iota + 1
	opWriteBuffer
	opCreatePipeline
	opSubmit
	opMapRead
	opRelease
)

type status uint32

const (
	statusOK status = iota
	statusFailed
	statusCompile
	statusExhausted
	statusDeviceLost
	statusTimeout
	statusInvalidHandle
)

// maxPayload bounds any length-prefixed field so a corrupt stream cannot
// make either side allocate unbounded memory.
const maxPayload = 64 << 20

var errPayload = errors.New("dispatch: payload too large")

func statusOf(err error) status {
	switch {
	case err == nil:
		return statusOK
	case errors.Is(err, gpu.ErrCompile):
		return statusCompile
	case errors.Is(err, backend.ErrDirectionsExhausted):
		return statusExhausted
	case errors.Is(err, gpu.ErrDeviceLost):
		return statusDeviceLost
	case errors.Is(err, backend.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return statusTimeout
	case errors.Is(err, gpu.ErrInvalidHandle):
		return statusInvalidHandle
	}
	return statusFailed
}

// remoteError rebuilds a server failure with the matching sentinel.
func remoteError(s status, msg string) error {
	var kind error
	switch s {
	case statusCompile:
		kind = gpu.ErrCompile
	case statusExhausted:
		kind = backend.ErrDirectionsExhausted
	case statusDeviceLost:
		kind = gpu.ErrDeviceLost
	case statusTimeout:
		kind = backend.ErrTimeout
	case statusInvalidHandle:
		kind = gpu.ErrInvalidHandle
	default:
		return fmt.Errorf("dispatch: remote: %s", msg)
	}
	return fmt.Errorf("dispatch: remote: %w: %s", kind, msg)
}

func writeU32(w io.Writer, v uint32) error { return binary.Write(w, binary.LittleEndian, v) }
func writeU64(w io.Writer, v uint64) error { return binary.Write(w, binary.LittleEndian, v) }

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func readU64(r io.Reader) (uint64, error) {
	var v uint64
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeBytes(w io.Writer, b []byte) error {
	if len(b) > maxPayload {
		return errPayload
	}
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n > maxPayload {
		return nil, errPayload
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// writeCommands encodes: pipeline u32, group u32, workgroups 3×u32,
// nbind u32, nbind×(slot u32, buffer u32), ncopy u32,
// ncopy×(src u32, dst u32, size u64).
func writeCommands(w io.Writer, c gpu.Commands) error {
	head := []uint32{uint32(c.Pipeline), c.Group, c.Workgroups[0], c.Workgroups[1], c.Workgroups[2], uint32(len(c.Bindings))}
	if err := binary.Write(w, binary.LittleEndian, head); err != nil {
		return err
	}
	for _, b := range c.Bindings {
		if err := binary.Write(w, binary.LittleEndian, [2]uint32{b.Slot, uint32(b.Buffer)}); err != nil {
			return err
		}
	}
	if err := writeU32(w, uint32(len(c.Copies))); err != nil {
		return err
	}
	for _, cp := range c.Copies {
		if err := binary.Write(w, binary.LittleEndian, [2]uint32{uint32(cp.Src), uint32(cp.Dst)}); err != nil {
			return err
		}
		if err := writeU64(w, cp.Size); err != nil {
			return err
		}
	}
	return nil
}

// maxEntries bounds binding and copy counts in a submit.
const maxEntries = 64

func readCommands(r io.Reader) (gpu.Commands, error) {
	var c gpu.Commands
	var head [6]uint32
	if err := binary.Read(r, binary.LittleEndian, &head); err != nil {
		return c, err
	}
	c.Pipeline = gpu.Pipeline(head[0])
	c.Group = head[1]
	c.Workgroups = [3]uint32{head[2], head[3], head[4]}
	if head[5] > maxEntries {
		return c, fmt.Errorf("dispatch: %d bindings", head[5])
	}
	for i := uint32(0); i < head[5]; i++ {
		var b [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &b); err != nil {
			return c, err
		}
		c.Bindings = append(c.Bindings, gpu.Binding{Slot: b[0], Buffer: gpu.Buffer(b[1])})
	}
	n, err := readU32(r)
	if err != nil {
		return c, err
	}
	if n > maxEntries {
		return c, fmt.Errorf("dispatch: %d copies", n)
	}
	for i := uint32(0); i < n; i++ {
		var h [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
			return c, err
		}
		size, err := readU64(r)
		if err != nil {
			return c, err
		}
		c.Copies = append(c.Copies, gpu.Copy{Src: gpu.Buffer(h[0]), Dst: gpu.Buffer(h[1]), Size: size})
	}
	return c, nil
}
