package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net"
	"testing"
	"time"
)

func generate(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	certPEM, keyPEM, err := GenerateSelfSigned(CertConfig{
		CommonName:  "archive",
		DNSNames:    []string{"archive"},
		IPAddresses: []string{"127.0.0.1"},
	})
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	return certPEM, keyPEM
}

func TestPinnedHandshake(t *testing.T) {
	certPEM, keyPEM := generate(t)

	srvCfg, err := ServerConfig(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	accepted := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer func() { _ = c.Close() }()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err != nil {
			accepted <- err
			return
		}
		accepted <- nil
	}()

	cliCfg, err := PinnedClientConfig(certPEM, "archive")
	if err != nil {
		t.Fatalf("PinnedClientConfig: %v", err)
	}
	conn, err := tls.Dial("tcp", ln.Addr().String(), cliCfg)
	if err != nil {
		t.Fatalf("tls.Dial: %v", err)
	}
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.Close()
	if err := <-accepted; err != nil {
		t.Fatalf("server side: %v", err)
	}
}

func TestPinnedRejectsOtherCert(t *testing.T) {
	certPEM, keyPEM := generate(t)
	otherPEM, _ := generate(t)

	srvCfg, err := ServerConfig(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	if err != nil {
		t.Fatalf("tls.Listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 1)
			_, _ = c.Read(buf)
			_ = c.Close()
		}
	}()

	cliCfg, err := PinnedClientConfig(otherPEM, "archive")
	if err != nil {
		t.Fatalf("PinnedClientConfig: %v", err)
	}
	d := net.Dialer{Timeout: 2 * time.Second}
	raw, err := d.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := tls.Client(raw, cliCfg)
	if err := conn.Handshake(); err == nil {
		_ = conn.Close()
		t.Fatal("handshake succeeded with wrong pinned certificate")
	}
	_ = raw.Close()
}

func TestPinnedClientConfigErrors(t *testing.T) {
	if _, err := PinnedClientConfig(nil, "x"); err == nil {
		t.Fatal("empty PEM accepted")
	}
	if _, err := PinnedClientConfig([]byte("not pem"), "x"); err == nil {
		t.Fatal("garbage PEM accepted")
	}
}

func TestServerConfigRejectsMismatchedPair(t *testing.T) {
	certPEM, _ := generate(t)
	_, otherKey := generate(t)
	if _, err := ServerConfig(certPEM, otherKey); err == nil {
		t.Fatal("mismatched key pair accepted")
	}
}

func TestGenerateSelfSignedExpiry(t *testing.T) {
	until := time.Now().Add(time.Hour).Truncate(time.Second)
	certPEM, keyPEM, err := GenerateSelfSigned(CertConfig{CommonName: "short", NotAfter: until})
	if err != nil {
		t.Fatalf("GenerateSelfSigned: %v", err)
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("no PEM block in certificate")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if got := leaf.NotAfter; !got.Equal(until) {
		t.Fatalf("NotAfter = %v, want %v", got, until)
	}
}
