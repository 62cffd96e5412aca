// Package demux splits a secured connection into pipeline streams.
//
// A Registry maps the protocol negotiated during the TLS handshake to a
// Strategy. The strategy binds a Session to each Conn:
//
//   - h2 decodes HTTP/2 frames with golang.org/x/net/http2. HEADERS open
//     streams, DATA becomes Body messages and END_STREAM becomes End.
//   - raw (http/1.1) treats the connection as one implicit stream, id 0,
//     carrying Bytes messages.
//   - yamux runs a hashicorp/yamux server session; each yamux stream is a
//     pipeline stream carrying Bytes messages.
//
// Every Conn is pinned to one event loop. A reader goroutine decodes the
// socket behind the connection's gate and posts events to the loop in
// batches; a writer goroutine drains the outbound queue. Session and stream
// state is only touched by loop tasks.
package demux
