package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := StartRequest{
		Base:         NewBase(),
		Name:         "front_camera",
		Deployment:   "camera_deployment",
		Args:         []string{"--fps", "30"},
		Env:          []string{"RIG=alpha"},
		NameMappings: map[string]string{"camera": "front_camera"},
	}
	if err := WriteFrame(&buf, CmdStart, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	code, body, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if code != CmdStart {
		t.Fatalf("code = 0x%02x, want 0x%02x", code, CmdStart)
	}
	var got StartRequest
	if err := Decode(body, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != req.Name || got.Deployment != req.Deployment {
		t.Fatalf("got %+v, want %+v", got, req)
	}
	if got.NameMappings["camera"] != "front_camera" {
		t.Fatalf("mappings lost: %+v", got.NameMappings)
	}
}

func TestEmptyBodyFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, CmdQuit, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	code, body, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if code != CmdQuit || body != nil {
		t.Fatalf("got code 0x%02x body %v", code, body)
	}
}

func TestVersionMismatch(t *testing.T) {
	var buf bytes.Buffer
	req := PidRequest{Base: Base{V: Version + 1}, Name: "x"}
	if err := WriteFrame(&buf, CmdGetPID, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	_, body, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	var got PidRequest
	if err := Decode(body, &got); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("Decode err = %v, want ErrBadVersion", err)
	}
}

func TestTruncatedFrameIsMalformed(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, CmdGetPID, PidRequest{Base: NewBase(), Name: "x"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	full := buf.Bytes()
	truncated := full[:len(full)-2]

	_, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(truncated)))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestOversizedFrameIsMalformed(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(CmdGetInfo)
	// uvarint for 2 MiB, over the frame cap
	buf.Write([]byte{0x80, 0x80, 0x80, 0x01})
	_, _, err := ReadFrame(bufio.NewReader(&buf))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestCleanEOF(t *testing.T) {
	_, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(nil)))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestIsCommand(t *testing.T) {
	for c := CmdGetPID; c <= CmdWaitRunning; c++ {
		if !IsCommand(c) {
			t.Fatalf("IsCommand(0x%02x) = false", c)
		}
	}
	for _, c := range []byte{0x00, MarkYes, MarkNo, MarkStarted, MarkDead, 0xff} {
		if IsCommand(c) {
			t.Fatalf("IsCommand(0x%02x) = true", c)
		}
	}
}
