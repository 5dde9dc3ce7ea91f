package uploader

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/time/rate"

	"github.com/loykin/taskwire/internal/metrics"
	"github.com/loykin/taskwire/internal/tlsutil"
)

// chunkSize is the streaming unit. It is also the limiter burst, so pacing
// never accumulates unused bandwidth into a later burst.
const chunkSize = 32 * 1024

const (
	dialTimeout = 10 * time.Second
	ackTimeout  = 30 * time.Second
)

// transferHeader opens an archive session. The archive replies with a single
// ack byte after the full body has been received.
type transferHeader struct {
	V        int    `cbor:"v"`
	User     string `cbor:"user"`
	Password string `cbor:"password"`
	Filename string `cbor:"filename"`
	Size     int64  `cbor:"size"`
}

const transferVersion = 1

const ackOK = 0x01

func (w *Worker) upload(j *Job) error {
	f, err := os.Open(j.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", j.Path, err)
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	cfg, err := tlsutil.PinnedClientConfig(j.CertPEM, j.Host)
	if err != nil {
		return err
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(j.Host, fmt.Sprintf("%d", j.Port)), cfg)
	if err != nil {
		return fmt.Errorf("dial archive: %w", err)
	}
	defer func() { _ = conn.Close() }()

	hdr := transferHeader{
		V:        transferVersion,
		User:     j.User,
		Password: j.Password,
		Filename: filepath.Base(j.Path),
		Size:     fi.Size(),
	}
	if err := writeHeader(conn, hdr); err != nil {
		return fmt.Errorf("send header: %w", err)
	}

	var limiter *rate.Limiter
	if j.MaxBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(j.MaxBytesPerSec), chunkSize)
		// The bucket starts full; drain it so the first chunks are paced
		// like every later one and a small file cannot ride the burst.
		limiter.AllowN(time.Now(), chunkSize)
	}
	buf := make([]byte, chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(context.Background(), n); err != nil {
					return err
				}
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return fmt.Errorf("stream %s: %w", j.Path, err)
			}
			metrics.AddUploadBytes(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return fmt.Errorf("read %s: %w", j.Path, rerr)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(ackTimeout))
	var ack [1]byte
	if _, err := conn.Read(ack[:]); err != nil {
		return fmt.Errorf("archive ack: %w", err)
	}
	if ack[0] != ackOK {
		return fmt.Errorf("archive rejected %s (ack 0x%02x)", filepath.Base(j.Path), ack[0])
	}
	return nil
}

func writeHeader(conn net.Conn, hdr transferHeader) error {
	body, err := cbor.Marshal(hdr)
	if err != nil {
		return err
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(body)))
	if _, err := conn.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}
