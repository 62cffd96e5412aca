package main

import (
	"crypto/x509"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"mercator-hq/switchyard/pkg/cli"
	"mercator-hq/switchyard/pkg/transport/tlsterm"
)

var infoFlags struct {
	format string
}

var certsInfoCmd = &cobra.Command{
	Use:   "info [cert-file]",
	Short: "Display certificate details",
	Long: `Display every certificate in a PEM chain, leaf first.

For each certificate this shows the subject, issuer, validity period,
subject alternative names, key usage and algorithms.

Output formats:
  - text (default): Human-readable formatted output
  - json: JSON-formatted output for scripting

Examples:
  # Display the configured certificate
  switchyard certs info

  # Display a specific file in JSON format
  switchyard certs info --format json server.crt`,
	Args: cobra.MaximumNArgs(1),
	RunE: displayCertInfo,
}

func init() {
	certsCmd.AddCommand(certsInfoCmd)

	certsInfoCmd.Flags().StringVar(&infoFlags.format, "format", "text", "output format: text, json")
}

func displayCertInfo(cmd *cobra.Command, args []string) error {
	certFile := ""
	if len(args) == 1 {
		certFile = args[0]
	} else {
		certFile = configuredTLS().CertFile
	}
	if certFile == "" {
		return cli.NewConfigError("tls.cert_file", "no certificate file given or configured")
	}

	format, err := cli.ParseFormat(infoFlags.format)
	if err != nil {
		return err
	}

	chain, err := tlsterm.ReadChain(certFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == cli.FormatJSON {
		infos := make([]*tlsterm.CertificateInfo, 0, len(chain))
		for _, cert := range chain {
			infos = append(infos, tlsterm.Info(cert))
		}
		formatter := &cli.JSONFormatter{Indent: true}
		return formatter.FormatTo(out, infos)
	}
	if format != cli.FormatText {
		return cli.NewConfigError("format", "certs info supports text and json")
	}

	fmt.Fprintf(out, "Certificate: %s\n", certFile)
	for i, cert := range chain {
		fmt.Fprintf(out, "\n[%d] ", i)
		printCertText(out, cert)
	}
	return nil
}

func printCertText(w io.Writer, cert *x509.Certificate) {
	info := tlsterm.Info(cert)

	fmt.Fprintf(w, "Subject: %s\n", info.Subject)
	fmt.Fprintf(w, "    Issuer: %s\n", info.Issuer)

	fmt.Fprintln(w, "    Validity:")
	fmt.Fprintf(w, "      Not Before: %s\n", cert.NotBefore.Format(time.RFC3339))
	fmt.Fprintf(w, "      Not After: %s\n", cert.NotAfter.Format(time.RFC3339))
	if err := tlsterm.ValidateCertificate(cert); err != nil {
		fmt.Fprintf(w, "      Status: ✗ %v\n", err)
	} else {
		fmt.Fprintf(w, "      Status: ✓ Valid (%d days remaining)\n", info.DaysUntilExpiry)
		if _, warning := tlsterm.CheckExpiration(cert); warning != "" {
			fmt.Fprintf(w, "      Warning: ⚠  %s\n", warning)
		}
	}

	if len(info.DNSNames) > 0 || len(info.IPAddresses) > 0 {
		fmt.Fprintln(w, "    Subject Alternative Names:")
		for _, san := range info.DNSNames {
			fmt.Fprintf(w, "      - DNS: %s\n", san)
		}
		for _, ip := range info.IPAddresses {
			fmt.Fprintf(w, "      - IP: %s\n", ip)
		}
	}

	if usages := keyUsages(cert.KeyUsage); len(usages) > 0 {
		fmt.Fprintf(w, "    Key Usage: %v\n", usages)
	}
	if len(cert.ExtKeyUsage) > 0 {
		ext := make([]string, 0, len(cert.ExtKeyUsage))
		for _, u := range cert.ExtKeyUsage {
			ext = append(ext, extKeyUsage(u))
		}
		fmt.Fprintf(w, "    Extended Key Usage: %v\n", ext)
	}

	fmt.Fprintf(w, "    Signature Algorithm: %s\n", info.SignatureAlgorithm)
	fmt.Fprintf(w, "    Public Key Algorithm: %s\n", info.PublicKeyAlgorithm)
	fmt.Fprintf(w, "    Serial Number: %s\n", info.SerialNumber)
	fmt.Fprintf(w, "    Is CA: %v\n", cert.IsCA)
}

var keyUsageNames = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "Digital Signature"},
	{x509.KeyUsageContentCommitment, "Content Commitment"},
	{x509.KeyUsageKeyEncipherment, "Key Encipherment"},
	{x509.KeyUsageDataEncipherment, "Data Encipherment"},
	{x509.KeyUsageKeyAgreement, "Key Agreement"},
	{x509.KeyUsageCertSign, "Certificate Sign"},
	{x509.KeyUsageCRLSign, "CRL Sign"},
	{x509.KeyUsageEncipherOnly, "Encipher Only"},
	{x509.KeyUsageDecipherOnly, "Decipher Only"},
}

func keyUsages(usage x509.KeyUsage) []string {
	var out []string
	for _, u := range keyUsageNames {
		if usage&u.bit != 0 {
			out = append(out, u.name)
		}
	}
	return out
}

func extKeyUsage(usage x509.ExtKeyUsage) string {
	switch usage {
	case x509.ExtKeyUsageAny:
		return "Any"
	case x509.ExtKeyUsageServerAuth:
		return "Server Authentication"
	case x509.ExtKeyUsageClientAuth:
		return "Client Authentication"
	case x509.ExtKeyUsageCodeSigning:
		return "Code Signing"
	case x509.ExtKeyUsageEmailProtection:
		return "Email Protection"
	case x509.ExtKeyUsageTimeStamping:
		return "Time Stamping"
	case x509.ExtKeyUsageOCSPSigning:
		return "OCSP Signing"
	default:
		return fmt.Sprintf("Unknown (%d)", usage)
	}
}
