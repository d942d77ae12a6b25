package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	caCertFile     = "ca.crt"
	caKeyFile      = "ca.key"
	serverCertFile = "server.crt"
	serverKeyFile  = "server.key"
	clientCertFile = "client.crt"
	clientKeyFile  = "client.key"
)

// IssueRequest holds the identity parameters for one certificate chain.
type IssueRequest struct {
	ClientCommonName string
	ServerCommonName string
	// SigningConfigPath optionally points at a YAML signing profile. Empty means defaults.
	SigningConfigPath string
	// Dir is where the issued files are written. It is created if missing.
	Dir          string
	ValidityDays int
}

// Paths are the locations of the issued files.
type Paths struct {
	ServerKey  string
	ServerCert string
	CACert     string
	ClientKey  string
	ClientCert string
}

// Provider issues a certificate chain for a server and its client.
type Provider interface {
	Issue(ctx context.Context, req IssueRequest) (*Paths, error)
}

// DirectoryError is returned when the output directory cannot be created.
type DirectoryError struct {
	Dir string
	Err error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("creating certificate dir %q: %s", e.Dir, e.Err)
}

func (e *DirectoryError) Unwrap() error { return e.Err }

// IssuanceError is returned for any cryptographic or filesystem failure while issuing.
type IssuanceError struct {
	Err error
}

func (e *IssuanceError) Error() string { return fmt.Sprintf("issuing certificates: %s", e.Err) }

func (e *IssuanceError) Unwrap() error { return e.Err }

// EnsureDir creates dir with owner-only permissions, treating an existing directory as success.
func EnsureDir(dir string) error {
	err := os.Mkdir(dir, 0700)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		err = os.MkdirAll(dir, 0700)
		if err == nil {
			return nil
		}
	}
	return &DirectoryError{Dir: dir, Err: err}
}

// SelfSignedProvider issues a fresh CA on every call and signs a server and a client certificate with it.
type SelfSignedProvider struct {
	Log *zap.SugaredLogger
	// Now is overridable for tests.
	Now func() time.Time
}

func NewSelfSignedProvider(log *zap.SugaredLogger) *SelfSignedProvider {
	return &SelfSignedProvider{Log: log.Named("certs"), Now: time.Now}
}

func (p *SelfSignedProvider) Issue(ctx context.Context, req IssueRequest) (*Paths, error) {
	err := EnsureDir(req.Dir)
	if err != nil {
		return nil, err
	}
	if req.ValidityDays <= 0 {
		return nil, &IssuanceError{Err: fmt.Errorf("validity must be positive, got %d days", req.ValidityDays)}
	}

	profile, err := LoadSigningProfile(req.SigningConfigPath)
	if err != nil {
		return nil, &IssuanceError{Err: err}
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	validity := validity{notBefore: now().Add(-time.Minute), notAfter: now().AddDate(0, 0, req.ValidityDays)}

	caSubject := pkix.Name{CommonName: profile.CACommonName, Organization: profile.organization()}
	ca, err := buildCACert(&caSubject, profile.RSABits, validity)
	if err != nil {
		return nil, &IssuanceError{Err: fmt.Errorf("building CA cert: %w", err)}
	}

	serverSubject := pkix.Name{CommonName: req.ServerCommonName, Organization: profile.organization()}
	serverCert, err := buildCert(ca, &serverSubject, leafOptions{
		dnsNames: append([]string{req.ServerCommonName}, profile.ServerDNSNames...),
		ips:      profile.serverIPs(),
		usage:    x509.ExtKeyUsageServerAuth,
		validity: validity,
	})
	if err != nil {
		return nil, &IssuanceError{Err: fmt.Errorf("building server cert: %w", err)}
	}

	clientSubject := pkix.Name{CommonName: req.ClientCommonName, Organization: profile.organization()}
	clientCert, err := buildCert(ca, &clientSubject, leafOptions{
		usage:    x509.ExtKeyUsageClientAuth,
		validity: validity,
	})
	if err != nil {
		return nil, &IssuanceError{Err: fmt.Errorf("building client cert: %w", err)}
	}

	paths := &Paths{
		ServerKey:  filepath.Join(req.Dir, serverKeyFile),
		ServerCert: filepath.Join(req.Dir, serverCertFile),
		CACert:     filepath.Join(req.Dir, caCertFile),
		ClientKey:  filepath.Join(req.Dir, clientKeyFile),
		ClientCert: filepath.Join(req.Dir, clientCertFile),
	}
	files := []struct {
		path string
		data []byte
	}{
		{paths.CACert, ca.CertPEMBytes},
		{filepath.Join(req.Dir, caKeyFile), ca.KeyPEMBytes},
		{paths.ServerCert, serverCert.CertPEMBytes},
		{paths.ServerKey, serverCert.KeyPEMBytes},
		{paths.ClientCert, clientCert.CertPEMBytes},
		{paths.ClientKey, clientCert.KeyPEMBytes},
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, &IssuanceError{Err: err}
		}
		err := writePrivateFile(f.path, f.data)
		if err != nil {
			return nil, &IssuanceError{Err: err}
		}
	}

	p.Log.Debugw("issued certificate chain", "Dir", req.Dir, "Server", req.ServerCommonName, "Client", req.ClientCommonName)
	return paths, nil
}

func writePrivateFile(path string, data []byte) error {
	// WriteFile keeps the mode of an existing file, so tighten it explicitly.
	err := os.WriteFile(path, data, 0600)
	if err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}
	err = os.Chmod(path, 0600)
	if err != nil {
		return fmt.Errorf("setting mode on %q: %w", path, err)
	}
	return nil
}

type validity struct {
	notBefore time.Time
	notAfter  time.Time
}

type caCert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serialNumber, nil
}

func buildCACert(subject *pkix.Name, rsaBits int, v validity) (*caCert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               *subject,
		NotBefore:             v.notBefore,
		NotAfter:              v.notAfter,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating x509 cert: %w", err)
	}
	parsed, err := x509.ParseCertificate(caBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA cert: %w", err)
	}

	caPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caBytes,
	})
	if caPEMBytes == nil {
		return nil, errors.New("unable to encode CA cert")
	}

	caKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(caKey),
	})
	if caKeyPEMBytes == nil {
		return nil, errors.New("unable to encode CA private key")
	}

	return &caCert{
		CertPEMBytes: caPEMBytes,
		KeyPEMBytes:  caKeyPEMBytes,
		x509Cert:     parsed,
		privKey:      caKey,
	}, nil
}

type leafCert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

type leafOptions struct {
	dnsNames []string
	ips      []net.IP
	usage    x509.ExtKeyUsage
	validity validity
}

func buildCert(ca *caCert, subject *pkix.Name, opts leafOptions) (*leafCert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}
	c := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      *subject,
		DNSNames:     opts.dnsNames,
		IPAddresses:  opts.ips,
		NotBefore:    opts.validity.notBefore,
		NotAfter:     opts.validity.notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{opts.usage},
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &certKey.PublicKey, ca.privKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	})

	return &leafCert{
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  certKeyPEMBytes,
	}, nil
}
