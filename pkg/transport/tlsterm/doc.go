// Package tlsterm terminates TLS and negotiates the application protocol.
//
// Certificate material is loaded once with LoadMaterial and never reloaded;
// the resulting Material is immutable and shared by every handshake. A
// Terminator advertises the configured protocols through ALPN in server
// preference order, so when a client offers several supported protocols the
// server's order decides.
//
// Clients whose ALPN offer shares nothing with the server are refused during
// the handshake. Clients that offer no ALPN at all get the configured fallback
// protocol or are closed with ErrNoCommonProtocol.
package tlsterm
