package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

var errNoCACerts = errors.New("no CA certificates found in PEM")

// ClientTLSConfig builds the client side of the mTLS pair from PEM material.
// serverName must match one of the DNS names on the server certificate.
func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte, serverName string) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errNoCACerts
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		ServerName:   serverName,
	}
	return cfg, nil
}

// ServerTLSConfig builds a server config that requires and verifies client certificates issued by the given CA.
func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errNoCACerts
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}

	return cfg, nil
}
