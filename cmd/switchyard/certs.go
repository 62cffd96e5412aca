package main

import (
	"github.com/spf13/cobra"
	"mercator-hq/switchyard/pkg/config"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Inspect TLS certificates",
	Long: `Inspect and check the TLS material switchyard serves.

Without explicit paths the subcommands use tls.cert_file and tls.key_file
from the configuration file.

Subcommands:
  info     - Display certificate details
  validate - Validate certificate, key and chain

Examples:
  # Show the configured certificate
  switchyard certs info

  # Validate certificate and key
  switchyard certs validate --cert server.crt --key server.key`,
}

func init() {
	rootCmd.AddCommand(certsCmd)
}

// configuredTLS returns the TLS section of the configuration file. A
// configuration that fails to load yields an empty section, so explicit
// flags still work without a config file.
func configuredTLS() config.TLSConfig {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return config.TLSConfig{}
	}
	return cfg.TLS
}
