package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"mercator-hq/switchyard/pkg/cli"
	"mercator-hq/switchyard/pkg/config"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "switchyard",
	Short: "Switchyard - TLS stream demultiplexing server",
	Long: `Switchyard terminates TLS connections, negotiates an application protocol
through ALPN and demultiplexes each connection into streams that are served by
configurable handler chains.

Supported protocols:
  - h2        HTTP/2, one handler chain per stream
  - http/1.1  one implicit stream per connection
  - yamux     yamux sessions, one handler chain per stream

Every connection is recorded in a journal that can be queried with
"switchyard journal query".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits with the status derived from the
// returned error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "switchyard.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the configuration file with environment overrides and
// installs it as the global configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, err
	}
	config.SetConfig(cfg)
	return cfg, nil
}
