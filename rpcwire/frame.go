// Package rpcwire implements the length-prefixed, checksummed binary
// framing AIFS clients and servers exchange over net.Conn (spec.md §6),
// plus the RPC command surface built on top of it. The frame layout
// (magic + command + length + checksum header, streaming via repeated
// frames) is adapted directly from the teacher's node/p2p/envelope.go,
// with BLAKE3 replacing the teacher's SHA3-256 checksum to match the
// rest of this stack's content-hash primitive, and a cancellation/
// deadline policy replacing its ban-score policy.
package rpcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode"

	"lukechampine.com/blake3"

	"aifs.dev/engine/aifserr"
)

const (
	// HeaderBytes is the fixed framing header: magic(4) + command(16) +
	// length(4) + checksum(4).
	HeaderBytes  = 28
	CommandBytes = 16

	// DefaultMagic identifies the AIFS wire protocol version.
	DefaultMagic uint32 = 0xA1F5_0001

	// MaxFrameBytes bounds a single frame's payload (spec.md §6).
	MaxFrameBytes = 64 << 20 // 64 MiB
)

// Frame is one length-prefixed message on the wire. A single logical RPC
// exchange (a streamed GetAsset, an event subscription) is many Frames.
type Frame struct {
	Magic   uint32
	Command string
	Payload []byte
}

// FrameError conveys how the caller should treat a malformed frame: a
// corrupt individual frame can often be recovered from with a retry,
// while a truncated/magic-mismatched stream means the connection itself
// is unusable.
type FrameError struct {
	Err           error
	FatalToStream bool // connection must be closed and cannot be reused
}

func (e *FrameError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *FrameError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func checksum4(payload []byte) [4]byte {
	sum := blake3.Sum256(payload)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}

func encodeCommand(cmd string) ([CommandBytes]byte, error) {
	var out [CommandBytes]byte
	if cmd == "" {
		return out, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: empty command")
	}
	if len(cmd) > CommandBytes {
		return out, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: command too long")
	}
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if c >= 0x80 || c == 0x00 || !unicode.IsPrint(rune(c)) {
			return out, aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: command contains non-printable ASCII")
		}
		out[i] = c
	}
	return out, nil
}

func decodeCommand(b [CommandBytes]byte) (string, error) {
	n := CommandBytes
	for i := 0; i < CommandBytes; i++ {
		if b[i] == 0x00 {
			n = i
			break
		}
	}
	for i := n; i < CommandBytes; i++ {
		if b[i] != 0x00 {
			return "", fmt.Errorf("rpcwire: command not NUL-padded")
		}
	}
	if n == 0 {
		return "", fmt.Errorf("rpcwire: empty command")
	}
	return string(b[:n]), nil
}

// WriteFrame writes a single frame to w.
func WriteFrame(w io.Writer, magic uint32, command string, payload []byte) error {
	cmd16, err := encodeCommand(command)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameBytes {
		return aifserr.New(aifserr.CodeInvalidArgument, "rpcwire: payload too large")
	}
	c4 := checksum4(payload)

	var hdr [HeaderBytes]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	copy(hdr[4:4+CommandBytes], cmd16[:])
	off := 4 + CommandBytes
	binary.LittleEndian.PutUint32(hdr[off:off+4], uint32(len(payload)))
	copy(hdr[off+4:off+8], c4[:])

	if _, err := w.Write(hdr[:]); err != nil {
		return aifserr.Wrap(aifserr.CodeUnavailable, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return aifserr.Wrap(aifserr.CodeUnavailable, err)
	}
	return nil
}

// ReadFrame reads exactly one frame from r, validating it against
// expectedMagic.
func ReadFrame(r io.Reader, expectedMagic uint32) (*Frame, *FrameError) {
	var hdr [HeaderBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &FrameError{Err: err, FatalToStream: true}
	}

	magic := binary.BigEndian.Uint32(hdr[0:4])
	if magic != expectedMagic {
		return nil, &FrameError{Err: fmt.Errorf("rpcwire: magic mismatch"), FatalToStream: true}
	}

	var cmdBytes [CommandBytes]byte
	off := 4
	copy(cmdBytes[:], hdr[off:off+CommandBytes])
	cmd, err := decodeCommand(cmdBytes)
	if err != nil {
		return nil, &FrameError{Err: err, FatalToStream: true}
	}

	off += CommandBytes
	payloadLen := binary.LittleEndian.Uint32(hdr[off : off+4])
	if payloadLen > MaxFrameBytes {
		return nil, &FrameError{Err: fmt.Errorf("rpcwire: frame length exceeds max"), FatalToStream: true}
	}
	var expectedC4 [4]byte
	copy(expectedC4[:], hdr[off+4:off+8])

	payload := make([]byte, int(payloadLen))
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, &FrameError{Err: err, FatalToStream: true}
		}
	}

	if computed := checksum4(payload); !bytes.Equal(expectedC4[:], computed[:]) {
		return nil, &FrameError{Err: fmt.Errorf("rpcwire: checksum mismatch"), FatalToStream: false}
	}

	return &Frame{Magic: magic, Command: cmd, Payload: payload}, nil
}
