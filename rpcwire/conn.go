package rpcwire

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"aifs.dev/engine/aifserr"
)

// Conn wraps a net.Conn with frame-level read/write and context-based
// cancellation/deadline propagation (spec.md §5: every blocking RPC call
// honors caller cancellation and deadlines).
type Conn struct {
	nc    net.Conn
	magic uint32
}

// NewConn wraps an established connection. magic is the protocol version
// both ends must agree on.
func NewConn(nc net.Conn, magic uint32) *Conn {
	return &Conn{nc: nc, magic: magic}
}

func (c *Conn) Close() error { return c.nc.Close() }

// WriteFrame writes one frame, honoring ctx's deadline/cancellation by
// setting the connection's write deadline before writing.
func (c *Conn) WriteFrame(ctx context.Context, command string, payload []byte) error {
	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ctxToAifsErr(err)
	}
	return WriteFrame(c.nc, c.magic, command, payload)
}

// ReadFrame reads one frame, honoring ctx's deadline/cancellation by
// setting the connection's read deadline before reading.
func (c *Conn) ReadFrame(ctx context.Context) (*Frame, error) {
	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, ctxToAifsErr(err)
	}
	frame, ferr := ReadFrame(c.nc, c.magic)
	if ferr != nil {
		code := aifserr.CodeUnavailable
		if !ferr.FatalToStream {
			code = aifserr.CodeAborted
		}
		return nil, aifserr.Wrap(code, ferr)
	}
	return frame, nil
}

func (c *Conn) applyDeadline(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return c.nc.SetDeadline(time.Time{})
	}
	return c.nc.SetDeadline(deadline)
}

func ctxToAifsErr(err error) error {
	if err == context.DeadlineExceeded {
		return aifserr.Wrap(aifserr.CodeDeadlineExceeded, err)
	}
	return aifserr.Wrap(aifserr.CodeCancelled, err)
}

// WriteError sends a CmdError frame carrying a JSON-encoded error code
// and detail, the wire representation of an aifserr.Error.
func (c *Conn) WriteError(ctx context.Context, err error) error {
	payload, marshalErr := json.Marshal(struct {
		Code   aifserr.Code `json:"code"`
		Detail string       `json:"detail"`
	}{Code: aifserr.CodeOf(err), Detail: err.Error()})
	if marshalErr != nil {
		return marshalErr
	}
	return c.WriteFrame(ctx, CmdError, payload)
}

// DecodeError parses a CmdError frame's payload back into an aifserr.Error.
func DecodeError(payload []byte) error {
	var wire struct {
		Code   aifserr.Code `json:"code"`
		Detail string       `json:"detail"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return aifserr.New(aifserr.CodeInternal, "rpcwire: malformed error frame")
	}
	return aifserr.New(wire.Code, wire.Detail)
}
