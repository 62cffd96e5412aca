// Switchyard is a TLS stream demultiplexing server.
//
// It terminates TLS, negotiates an application protocol through ALPN and
// splits each connection into independent streams:
//   - HTTP/2 streams, each served by its own handler chain
//   - HTTP/1.1 and other unmultiplexed protocols as one implicit stream
//   - yamux sessions
//
// Usage:
//
//	# Start the server
//	switchyard run --config switchyard.yaml
//
//	# Check a configuration file without starting
//	switchyard validate --config switchyard.yaml
//
//	# Inspect the configured certificate
//	switchyard certs info
//
//	# Query the connection journal
//	switchyard journal query --protocol h2 --format json
//
//	# Show version information
//	switchyard version
package main

func main() {
	Execute()
}
