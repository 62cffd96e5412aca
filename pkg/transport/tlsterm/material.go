package tlsterm

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	// ErrKeyPasswordRequired is returned when the private key is encrypted and
	// no password was configured.
	ErrKeyPasswordRequired = errors.New("private key is encrypted but no key password is configured")

	// ErrUnsupportedKeyEncryption is returned for PKCS#8 encrypted keys.
	ErrUnsupportedKeyEncryption = errors.New("encrypted PKCS#8 private keys are not supported, re-encode as a legacy PEM-encrypted or plain key")
)

// MaterialConfig points at the certificate material.
type MaterialConfig struct {
	// CertFile is the PEM certificate chain, leaf first.
	CertFile string

	// KeyFile is the PEM private key.
	KeyFile string

	// KeyPassword decrypts a legacy PEM-encrypted private key. Empty for
	// plain keys.
	KeyPassword string

	// MinVersion is "1.2" or "1.3". Empty means TLS 1.2.
	MinVersion string

	// CipherSuites restricts TLS 1.2 cipher suites by IANA name. Empty uses
	// the Go defaults.
	CipherSuites []string
}

// Material is the immutable server identity loaded once at startup. It is
// shared by every connection.
type Material struct {
	cert         tls.Certificate
	leaf         *x509.Certificate
	minVersion   uint16
	cipherSuites []uint16
	certFile     string
}

// LoadMaterial reads and validates the configured certificate and key.
func LoadMaterial(cfg MaterialConfig) (*Material, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("cert_file and key_file are required")
	}

	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	keyPEM, err = decryptKey(keyPEM, cfg.KeyPassword)
	if err != nil {
		return nil, err
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}
	if err := ValidateCertificate(cert.Leaf); err != nil {
		return nil, err
	}

	minVersion, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	suites, err := parseCipherSuites(cfg.CipherSuites)
	if err != nil {
		return nil, err
	}

	return &Material{
		cert:         cert,
		leaf:         cert.Leaf,
		minVersion:   minVersion,
		cipherSuites: suites,
		certFile:     cfg.CertFile,
	}, nil
}

// Leaf returns the parsed leaf certificate.
func (m *Material) Leaf() *x509.Certificate { return m.leaf }

// CertFile returns the path the material was loaded from.
func (m *Material) CertFile() string { return m.certFile }

// serverConfig builds the tls.Config shared by all handshakes.
func (m *Material) serverConfig(protocols []string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.cert},
		MinVersion:   m.minVersion,
		CipherSuites: m.cipherSuites,
		NextProtos:   append([]string(nil), protocols...),
	}
}

// decryptKey returns keyPEM with any legacy-encrypted block decrypted. Other
// blocks, such as EC PARAMETERS, pass through unchanged.
func decryptKey(keyPEM []byte, password string) ([]byte, error) {
	var out []byte
	rest := keyPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		if block.Type == "ENCRYPTED PRIVATE KEY" {
			return nil, ErrUnsupportedKeyEncryption
		}
		//nolint:staticcheck // legacy RFC 1423 encryption is the only PEM encryption the stdlib reads
		if x509.IsEncryptedPEMBlock(block) {
			if password == "" {
				return nil, ErrKeyPasswordRequired
			}
			//nolint:staticcheck // see above
			der, err := x509.DecryptPEMBlock(block, []byte(password))
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt private key: %w", err)
			}
			block = &pem.Block{Type: block.Type, Bytes: der}
		}
		out = append(out, pem.EncodeToMemory(block)...)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("private key file contains no PEM block")
	}
	return out, nil
}

func parseVersion(v string) (uint16, error) {
	switch strings.TrimSpace(v) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported min_version %q (use 1.2 or 1.3)", v)
	}
}

func parseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}

	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown or insecure cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
