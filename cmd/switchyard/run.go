package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"mercator-hq/switchyard/pkg/cli"
	"mercator-hq/switchyard/pkg/config"
	"mercator-hq/switchyard/pkg/server"
	"mercator-hq/switchyard/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
	watch         bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the switchyard server",
	Long: `Start the switchyard server with the specified configuration.

The server accepts TLS connections on the configured address, negotiates
the application protocol and serves every stream with the handler chain
configured for that protocol. Metrics and health endpoints are served on the
admin address.

SIGINT and SIGTERM drain open connections and stop the server. SIGHUP, or a
change to the configuration file when watching is enabled, reloads the log
level and the per-client connection limit.

Examples:
  # Start with default config
  switchyard run

  # Start with custom config
  switchyard run --config /etc/switchyard/switchyard.yaml

  # Override listen address
  switchyard run --listen 0.0.0.0:8443

  # Validate config without starting server
  switchyard run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
	runCmd.Flags().BoolVar(&runFlags.watch, "watch", false, "reload the config file when it changes")
}

// applyRunOverrides applies command line overrides. It runs on every
// reloaded configuration too, so flags keep precedence over the file.
func applyRunOverrides(cfg *config.Config) {
	if runFlags.listenAddress != "" {
		cfg.Listener.Address = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if runFlags.watch {
		cfg.Watch.Enabled = true
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return cli.NewConfigError("", fmt.Sprintf("failed to load config: %v", err))
	}
	applyRunOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runFlags.dryRun {
		fmt.Fprintln(out, "✓ Configuration valid")
		return nil
	}

	logger, err := logging.New(logging.Config{
		Level:           cfg.Telemetry.Logging.Level,
		Format:          cfg.Telemetry.Logging.Format,
		AddSource:       cfg.Telemetry.Logging.AddSource,
		RedactAddresses: cfg.Telemetry.Logging.RedactAddresses,
		Writer:          cmd.ErrOrStderr(),
	})
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}
	slog.SetDefault(logger.Logger)

	printBanner(out, cfg)

	srv, err := server.New(cfg,
		server.WithLogger(logger),
		server.WithVersion(versionInfo()),
	)
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	reload := func(next *config.Config) {
		applyRunOverrides(next)
		srv.Reload(next)
	}

	if cfg.Watch.Enabled {
		watcher, err := config.NewWatcher(cfgFile, cfg.Watch.Debounce, logger.Logger, reload)
		if err != nil {
			return cli.NewCommandError("run", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	hup, stopHUP := cli.ReloadSignals()
	defer stopHUP()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := config.ReloadConfig(cfgFile)
				if err != nil {
					logger.Error("configuration reload failed, keeping current configuration", "error", err)
					continue
				}
				reload(next)
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-srv.Ready():
			fmt.Fprintf(out, "✓ Server listening on %s (%v)\n", srv.Addr(), cfg.ProtocolNames())
			if addr := srv.AdminAddr(); addr != nil {
				fmt.Fprintf(out, "✓ Health endpoint: http://%s%s\n", addr, cfg.Telemetry.Health.LivenessPath)
				fmt.Fprintf(out, "✓ Metrics endpoint: http://%s%s\n", addr, cfg.Telemetry.Metrics.Path)
			}
			fmt.Fprintln(out, "\nPress Ctrl+C to stop")
		}
	}()

	if err := srv.Run(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}
	fmt.Fprintln(out, "✓ Server stopped")
	return nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Switchyard v%s\n", Version)
	fmt.Fprintf(w, "Loading configuration from: %s\n", cfgFile)
	fmt.Fprintln(w, "✓ Configuration loaded")

	if verbose {
		for _, p := range cfg.Protocols {
			fmt.Fprintf(w, "  protocol %-9s handlers %v\n", p.Name, p.Handlers)
		}
		fmt.Fprintf(w, "  journal backend: %s\n", cfg.Journal.Backend)
	}
}
