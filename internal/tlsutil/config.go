package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// PinnedClientConfig builds a client TLS config that trusts exactly the
// supplied PEM certificate. The upload target is not necessarily a publicly
// trusted host, so the system trust store is deliberately not consulted.
func PinnedClientConfig(certPEM []byte, serverName string) (*tls.Config, error) {
	if len(certPEM) == 0 {
		return nil, errors.New("tlsutil: empty pinned certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, errors.New("tlsutil: no certificate found in PEM data")
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// ServerConfig builds a server TLS config from in-memory PEM material.
func ServerConfig(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
