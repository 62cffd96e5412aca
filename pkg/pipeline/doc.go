// Package pipeline defines the per-stream handler chain.
//
// A Stream owns an immutable Chain of Stages built by a Factory when the
// demultiplexer first observes the stream. Inbound Messages enter at the first
// stage and move forward through Context.Forward; stages answer with
// Context.Emit. Every chain ends in a Sentinel that drops unclaimed messages
// and resets the stream on unhandled faults.
//
// # Stream lifecycle
//
//	Open ──local End──▶ HalfClosedLocal ──remote End──▶ Closed
//	Open ──remote End─▶ HalfClosedRemote ──local End──▶ Closed
//	any  ──Reset/Abort──────────────────────────────▶ Closed
//
// Closed is terminal. OnClose runs once on every stage and the stream is
// released to its connection. An end marker delivered to a stream whose
// remote side is already finished is ignored.
//
// All methods must be called from the event loop owning the stream.
package pipeline
