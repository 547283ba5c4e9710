package rpcwire

import (
	"context"
	"encoding/json"
	"net"

	"aifs.dev/engine/aifserr"
)

// Client is a thin synchronous RPC client over one persistent Conn. It is
// not safe for concurrent use by multiple goroutines issuing overlapping
// calls — callers needing that should pool Clients.
type Client struct {
	conn *Conn
}

// Dial opens a TCP connection to addr and wraps it as a Client.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeUnavailable, err)
	}
	return &Client{conn: NewConn(nc, DefaultMagic)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends one request frame under command and returns the response
// payload, or the decoded aifserr.Error if the server replied with an
// error frame. It carries no bearer token; use CallWithToken against a
// server enforcing spec.md §4.9 capability checks.
func (c *Client) Call(ctx context.Context, command string, req any) ([]byte, error) {
	return c.CallWithToken(ctx, command, req, "")
}

// CallWithToken is Call with an authz bearer token (authz.Encode's output)
// attached to the request envelope under "authorization".
func (c *Client) CallWithToken(ctx context.Context, command string, req any, token string) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInvalidArgument, err)
	}
	if token != "" {
		if payload, err = attachToken(payload, token); err != nil {
			return nil, err
		}
	}
	if err := c.conn.WriteFrame(ctx, command, payload); err != nil {
		return nil, err
	}
	frame, err := c.conn.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	if frame.Command == CmdError {
		return nil, DecodeError(frame.Payload)
	}
	return frame.Payload, nil
}

// StreamGetAsset requests assetID with {"stream":true} and reassembles the
// payload from the server's CmdStreamData frames, returning once
// CmdStreamEnd arrives.
func (c *Client) StreamGetAsset(ctx context.Context, assetID, token string) (meta []byte, payload []byte, err error) {
	req := struct {
		AssetID string `json:"asset_id"`
		Stream  bool   `json:"stream"`
	}{AssetID: assetID, Stream: true}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, aifserr.Wrap(aifserr.CodeInvalidArgument, err)
	}
	if token != "" {
		body, err = attachToken(body, token)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := c.conn.WriteFrame(ctx, CmdGetAsset, body); err != nil {
		return nil, nil, err
	}
	first, err := c.conn.ReadFrame(ctx)
	if err != nil {
		return nil, nil, err
	}
	if first.Command == CmdError {
		return nil, nil, DecodeError(first.Payload)
	}
	meta = first.Payload
	for {
		frame, err := c.conn.ReadFrame(ctx)
		if err != nil {
			return nil, nil, err
		}
		switch frame.Command {
		case CmdStreamEnd:
			return meta, payload, nil
		case CmdError:
			return nil, nil, DecodeError(frame.Payload)
		default:
			payload = append(payload, frame.Payload...)
		}
	}
}

// SubscribeEvents sends a CmdSubscribeEvents request and invokes onEvent
// for each streamed event frame until ctx is cancelled or the server ends
// the stream.
func (c *Client) SubscribeEvents(ctx context.Context, namespace, token string, onEvent func(payload []byte)) error {
	req := struct {
		Namespace string `json:"namespace,omitempty"`
	}{Namespace: namespace}
	body, err := json.Marshal(req)
	if err != nil {
		return aifserr.Wrap(aifserr.CodeInvalidArgument, err)
	}
	if token != "" {
		body, err = attachToken(body, token)
		if err != nil {
			return err
		}
	}
	if err := c.conn.WriteFrame(ctx, CmdSubscribeEvents, body); err != nil {
		return err
	}
	for {
		frame, err := c.conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		switch frame.Command {
		case CmdStreamEnd:
			return nil
		case CmdError:
			return DecodeError(frame.Payload)
		default:
			onEvent(frame.Payload)
		}
	}
}

func attachToken(payload []byte, token string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInvalidArgument, err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	tokJSON, err := json.Marshal(token)
	if err != nil {
		return nil, aifserr.Wrap(aifserr.CodeInternal, err)
	}
	fields["authorization"] = tokJSON
	return json.Marshal(fields)
}
