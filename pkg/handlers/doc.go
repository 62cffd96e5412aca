// Package handlers holds the built-in stream handlers and the registry that
// turns handler names from the configuration into pipeline factories.
//
// Built-in handlers:
//
//   - echo: writes every received chunk back; structured streams get a 200
//     head first
//   - hello: fixed test responder, answers "hello there" with an x-stream-id
//     header one loop tick after the request arrives
//   - trace: opens a server span per stream, continuing a remote trace
//   - accesslog: logs one line per closed stream
//
// Chains are configured per negotiated protocol, observers first:
//
//	protocols:
//	  - name: h2
//	    handlers: [trace, accesslog, hello]
package handlers
