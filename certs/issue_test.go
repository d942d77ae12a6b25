package certs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func issue(t *testing.T, dir string) (*Paths, *Bundle) {
	t.Helper()
	p := NewSelfSignedProvider(log)
	paths, err := p.Issue(context.Background(), IssueRequest{
		ClientCommonName: "client",
		ServerCommonName: "localhost",
		Dir:              dir,
		ValidityDays:     7,
	})
	require.NoError(t, err)
	bundle, err := ReadBundle(context.Background(), paths)
	require.NoError(t, err)
	return paths, bundle
}

func parseCert(t *testing.T, b []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(b)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestIssueWritesPrivateFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "certs")
	paths, bundle := issue(t, dir)

	for _, p := range []string{paths.ServerKey, paths.ServerCert, paths.CACert, paths.ClientKey, paths.ClientCert} {
		fi, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), fi.Mode().Perm(), p)
	}

	server := parseCert(t, bundle.ServerCertPEM)
	assert.Equal(t, "localhost", server.Subject.CommonName)
	assert.Contains(t, server.DNSNames, "localhost")
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}, server.ExtKeyUsage)

	client := parseCert(t, bundle.ClientCertPEM)
	assert.Equal(t, "client", client.Subject.CommonName)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, client.ExtKeyUsage)

	ca := parseCert(t, bundle.CACertPEM)
	assert.True(t, ca.IsCA)
	assert.NoError(t, client.CheckSignatureFrom(ca))
}

func TestIssueExistingDir(t *testing.T) {
	dir := t.TempDir()
	issue(t, dir)
	// a second issue into the same dir replaces the chain
	_, bundle := issue(t, dir)
	assert.NotEmpty(t, bundle.CACertPEM)
}

func TestIssueDirectoryError(t *testing.T) {
	parent := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0600))

	p := NewSelfSignedProvider(log)
	_, err := p.Issue(context.Background(), IssueRequest{
		ServerCommonName: "localhost",
		Dir:              filepath.Join(parent, "certs"),
		ValidityDays:     1,
	})
	var dirErr *DirectoryError
	require.True(t, errors.As(err, &dirErr), "got %v", err)
}

func TestIssueBadSigningConfig(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "signing.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("rsa_bits: 512\n"), 0600))

	p := NewSelfSignedProvider(log)
	_, err := p.Issue(context.Background(), IssueRequest{
		ServerCommonName:  "localhost",
		SigningConfigPath: cfg,
		Dir:               t.TempDir(),
		ValidityDays:      1,
	})
	var issueErr *IssuanceError
	require.True(t, errors.As(err, &issueErr), "got %v", err)
	assert.ErrorContains(t, err, "rsa_bits")
}

func TestLoadSigningProfile(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "signing.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("organization: Acme\nserver_ips: [127.0.0.1]\n"), 0600))

	profile, err := LoadSigningProfile(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Acme", profile.Organization)
	assert.Equal(t, defaultRSABits, profile.RSABits)
	assert.Equal(t, defaultCACommonName, profile.CACommonName)
	assert.Len(t, profile.serverIPs(), 1)

	_, err = LoadSigningProfile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMutualTLS(t *testing.T) {
	_, bundle := issue(t, t.TempDir())
	_, other := issue(t, t.TempDir())

	serverCfg, err := ServerTLSConfig(bundle.CACertPEM, bundle.ServerCertPEM, bundle.ServerKeyPEM)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				conn.Write([]byte("ok"))
			}()
		}
	}()

	dial := func(clientCA, cert, key []byte) ([]byte, error) {
		cfg, err := ClientTLSConfig(clientCA, cert, key, "localhost")
		if err != nil {
			return nil, err
		}
		conn, err := tls.Dial("tcp", ln.Addr().(*net.TCPAddr).String(), cfg)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		return io.ReadAll(conn)
	}

	b, err := dial(bundle.CACertPEM, bundle.ClientCertPEM, bundle.ClientKeyPEM)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(b))

	// a client cert from another CA must be rejected by the server
	b, err = dial(bundle.CACertPEM, other.ClientCertPEM, other.ClientKeyPEM)
	assert.True(t, err != nil || len(b) == 0, "expected handshake rejection, got %q", b)
}
