// Package config provides configuration management for switchyard.
//
// This package handles loading, validating, and managing configuration from
// YAML files with environment variable overrides.
//
// # Configuration Loading
//
//  1. From a YAML file only:
//     cfg, err := config.LoadConfig("switchyard.yaml")
//
//  2. From a YAML file with environment variable overrides:
//     cfg, err := config.LoadConfigWithEnvOverrides("switchyard.yaml")
//
// Unknown keys are rejected, so a typo fails at startup instead of being
// ignored.
//
// # Environment Variable Overrides
//
// Environment variables follow the naming convention SWITCHYARD_SECTION_FIELD:
//
//   - SWITCHYARD_LISTENER_ADDRESS overrides listener.address
//   - SWITCHYARD_TLS_KEY_PASSWORD overrides tls.key_password
//   - SWITCHYARD_TELEMETRY_LOGGING_LEVEL overrides telemetry.logging.level
//
// # Configuration Precedence
//
// Values are applied in this order, later overriding earlier:
//
//  1. Defaults (ApplyDefaults)
//  2. The YAML file
//  3. Environment variables
//
// # Example
//
//	listener:
//	  address: 0.0.0.0:8060
//	  max_conns_per_client_ip: 64
//	tls:
//	  cert_file: /etc/switchyard/server.crt
//	  key_file: /etc/switchyard/server.key
//	protocols:
//	  - name: h2
//	    handlers: [trace, hello]
//	  - name: http/1.1
//	    handlers: [echo]
//	journal:
//	  backend: sqlite
//
// # Hot Reload
//
// A Watcher reloads the file on change. Only the log level and the per-client
// connection limit are applied to a running server; TLS material, protocols
// and the listener address need a restart.
package config
