package tlsterm

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// ExpiryWarningWindow is how close to expiry a certificate must be before
// CheckExpiration warns.
const ExpiryWarningWindow = 30 * 24 * time.Hour

// ValidateCertificate checks that cert is currently within its validity
// period.
func ValidateCertificate(cert *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not yet valid (valid from %s)", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired on %s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// CheckExpiration returns the whole days until cert expires and a warning when
// that falls inside ExpiryWarningWindow.
func CheckExpiration(cert *x509.Certificate) (days int, warning string) {
	remaining := time.Until(cert.NotAfter)
	days = int(remaining.Hours() / 24)
	if remaining < ExpiryWarningWindow {
		warning = fmt.Sprintf("certificate expires in %d days (on %s)", days, cert.NotAfter.Format("2006-01-02"))
	}
	return days, warning
}

// CertificateInfo is the human-readable summary printed by the CLI.
type CertificateInfo struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SerialNumber       string    `json:"serial_number"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	DNSNames           []string  `json:"dns_names,omitempty"`
	IPAddresses        []string  `json:"ip_addresses,omitempty"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	PublicKeyAlgorithm string    `json:"public_key_algorithm"`
	DaysUntilExpiry    int       `json:"days_until_expiry"`
}

// Info extracts a CertificateInfo from cert.
func Info(cert *x509.Certificate) *CertificateInfo {
	days, _ := CheckExpiration(cert)
	info := &CertificateInfo{
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		SerialNumber:       fmt.Sprintf("%x", cert.SerialNumber),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		DNSNames:           cert.DNSNames,
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		DaysUntilExpiry:    days,
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// ReadChain parses every certificate in a PEM file, leaf first. It does not
// require the private key.
func ReadChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}

	var chain []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", len(chain), err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return chain, nil
}
