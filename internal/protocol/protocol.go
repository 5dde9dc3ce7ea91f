package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// DefaultPort is the TCP port a process server listens on unless configured
// otherwise.
const DefaultPort = 20202

// Version is the payload schema version carried by every frame body. A peer
// announcing a different version fails the connection; there is no feature
// negotiation.
const Version = 1

// Command codes. One byte on the wire, followed by a uvarint-length CBOR body.
const (
	CmdGetPID      byte = 0x01
	CmdGetInfo     byte = 0x02
	CmdCreateLog   byte = 0x03
	CmdStart       byte = 0x04
	CmdEnd         byte = 0x05
	CmdKillAll     byte = 0x06
	CmdQuit        byte = 0x07
	CmdUploadFile  byte = 0x08
	CmdUploadState byte = 0x09
	CmdWaitRunning byte = 0x0a
)

// Reply markers. MarkDead is out-of-band: it may arrive interleaved with
// command/response traffic and must be consumed transparently by readers
// waiting for a real reply.
const (
	MarkYes     byte = 0x20
	MarkNo      byte = 0x21
	MarkStarted byte = 0x22
	MarkDead    byte = 0x2f
)

// maxFrameSize bounds a single payload. Anything larger is treated as a
// malformed stream, which is fatal to the connection.
const maxFrameSize = 1 << 20

var (
	ErrMalformed   = errors.New("protocol: malformed frame")
	ErrBadVersion  = errors.New("protocol: payload version mismatch")
	ErrShortWrite  = errors.New("protocol: short write")
	ErrUnknownCode = errors.New("protocol: unknown command code")
)

// IsCommand reports whether b is a known command code.
func IsCommand(b byte) bool { return b >= CmdGetPID && b <= CmdWaitRunning }

// WriteFrame encodes payload as CBOR and writes [code][uvarint len][body].
// A nil payload writes a zero-length body.
func WriteFrame(w io.Writer, code byte, payload any) error {
	var body []byte
	if payload != nil {
		b, err := cbor.Marshal(payload)
		if err != nil {
			return fmt.Errorf("protocol: encode frame 0x%02x: %w", code, err)
		}
		body = b
	}
	var hdr [binary.MaxVarintLen64 + 1]byte
	hdr[0] = code
	n := binary.PutUvarint(hdr[1:], uint64(len(body)))
	if _, err := w.Write(hdr[:1+n]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame and returns its code and raw body. Truncated or
// oversized frames return ErrMalformed; callers treat that as EOF for the
// connection.
func ReadFrame(r *bufio.Reader) (byte, []byte, error) {
	code, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, nil, errLike(err)
	}
	if size > maxFrameSize {
		return 0, nil, ErrMalformed
	}
	if size == 0 {
		return code, nil, nil
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, errLike(err)
	}
	return code, body, nil
}

// Decode unmarshals a frame body into dst and validates the schema version.
// Every payload type embeds a Version field via the Versioned interface.
func Decode(body []byte, dst Versioned) error {
	if err := cbor.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if v := dst.PayloadVersion(); v != Version {
		return fmt.Errorf("%w: got %d, want %d", ErrBadVersion, v, Version)
	}
	return nil
}

// errLike maps partial-read errors onto ErrMalformed while preserving clean
// EOF for orderly disconnects.
func errLike(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrMalformed
	}
	return err
}
