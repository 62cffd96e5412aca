package main

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"mercator-hq/switchyard/pkg/cli"
	"mercator-hq/switchyard/pkg/transport/tlsterm"
)

var certsValidateFlags struct {
	certFile string
	keyFile  string
	caFile   string
}

var certsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate certificate, key and chain",
	Long: `Validate the TLS material switchyard would serve.

This command checks:
  - The certificate is within its validity period
  - The key matches the certificate, decrypting it with
    tls.key_password (or SWITCHYARD_TLS_KEY_PASSWORD) when set
  - The chain verifies against a CA bundle (if --ca provided)
  - The certificate does not expire within 30 days (warning only)

Examples:
  # Validate the configured material
  switchyard certs validate

  # Validate explicit files
  switchyard certs validate --cert server.crt --key server.key

  # Validate the chain against a CA bundle
  switchyard certs validate --cert server.crt --ca ca.pem`,
	RunE: validateCertificate,
}

func init() {
	certsCmd.AddCommand(certsValidateCmd)

	certsValidateCmd.Flags().StringVar(&certsValidateFlags.certFile, "cert", "", "certificate file (default: tls.cert_file)")
	certsValidateCmd.Flags().StringVar(&certsValidateFlags.keyFile, "key", "", "private key file (default: tls.key_file)")
	certsValidateCmd.Flags().StringVar(&certsValidateFlags.caFile, "ca", "", "CA bundle to verify the chain against")
}

func validateCertificate(cmd *cobra.Command, args []string) error {
	tlsCfg := configuredTLS()
	certFile, keyFile := certsValidateFlags.certFile, certsValidateFlags.keyFile
	if certFile == "" {
		certFile = tlsCfg.CertFile
		if keyFile == "" {
			keyFile = tlsCfg.KeyFile
		}
	}
	if certFile == "" {
		return cli.NewConfigError("tls.cert_file", "no certificate file given or configured")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating certificate: %s\n\n", certFile)

	chain, err := tlsterm.ReadChain(certFile)
	if err != nil {
		return err
	}
	leaf := chain[0]

	if keyFile != "" {
		if _, err := tlsterm.LoadMaterial(tlsterm.MaterialConfig{
			CertFile:    certFile,
			KeyFile:     keyFile,
			KeyPassword: tlsCfg.KeyPassword,
		}); err != nil {
			fmt.Fprintln(out, "✗ Certificate and key do NOT match")
			return err
		}
		fmt.Fprintln(out, "✓ Certificate and key match")
	}

	if certsValidateFlags.caFile != "" {
		if err := verifyChain(chain, certsValidateFlags.caFile); err != nil {
			fmt.Fprintln(out, "✗ Certificate chain invalid")
			return err
		}
		fmt.Fprintln(out, "✓ Certificate chain valid")
	}

	if err := tlsterm.ValidateCertificate(leaf); err != nil {
		fmt.Fprintf(out, "✗ %v\n", err)
		return err
	}
	fmt.Fprintf(out, "✓ Certificate not expired (valid until %s)\n", leaf.NotAfter.Format("2006-01-02"))

	if days, warning := tlsterm.CheckExpiration(leaf); warning != "" {
		fmt.Fprintf(out, "⚠  Certificate expires in %d days\n", days)
	}

	fmt.Fprintln(out, "\nCertificate Details:")
	info := tlsterm.Info(leaf)
	fmt.Fprintf(out, "  Subject: %s\n", info.Subject)
	fmt.Fprintf(out, "  Issuer: %s\n", info.Issuer)
	fmt.Fprintf(out, "  Serial: %s\n", info.SerialNumber)
	if len(info.DNSNames) > 0 {
		fmt.Fprintf(out, "  SANs (DNS): %v\n", info.DNSNames)
	}
	if len(info.IPAddresses) > 0 {
		fmt.Fprintf(out, "  SANs (IP): %v\n", info.IPAddresses)
	}
	return nil
}

func verifyChain(chain []*x509.Certificate, caFile string) error {
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("no certificates found in %s", caFile)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	_, err = chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	return err
}
