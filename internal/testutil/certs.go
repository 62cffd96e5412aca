// Package testutil holds helpers shared by tests across packages.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// CertPair is a throwaway self-signed server certificate written to disk.
type CertPair struct {
	CertFile string
	KeyFile  string
	Cert     *x509.Certificate
	Pool     *x509.CertPool
}

// CertOptions tweaks the generated certificate.
type CertOptions struct {
	// Password encrypts the key with legacy PEM encryption when set.
	Password  string
	NotBefore time.Time
	NotAfter  time.Time
}

// WriteCertPair generates a certificate for localhost and 127.0.0.1 in a
// temporary directory.
func WriteCertPair(t testing.TB, opts CertOptions) *CertPair {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := opts.NotAfter
	if notAfter.IsZero() {
		notAfter = time.Now().Add(365 * 24 * time.Hour)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "localhost", Organization: []string{"switchyard tests"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyBlock := &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}
	if opts.Password != "" {
		//nolint:staticcheck // tests exercise the legacy encrypted key path
		keyBlock, err = x509.EncryptPEMBlock(rand.Reader, keyBlock.Type, keyDER, []byte(opts.Password), x509.PEMCipherAES256)
		if err != nil {
			t.Fatalf("encrypt key: %v", err)
		}
	}

	dir := t.TempDir()
	pair := &CertPair{
		CertFile: filepath.Join(dir, "server.crt"),
		KeyFile:  filepath.Join(dir, "server.key"),
		Cert:     cert,
		Pool:     x509.NewCertPool(),
	}
	pair.Pool.AddCert(cert)

	writePEM(t, pair.CertFile, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	writePEM(t, pair.KeyFile, keyBlock)
	return pair
}

// ClientConfig returns a client tls.Config trusting the pair and offering
// protocols through ALPN.
func (p *CertPair) ClientConfig(protocols ...string) *tls.Config {
	return &tls.Config{
		RootCAs:    p.Pool,
		ServerName: "localhost",
		NextProtos: protocols,
		MinVersion: tls.VersionTLS12,
	}
}

func writePEM(t testing.TB, path string, block *pem.Block) {
	t.Helper()
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
