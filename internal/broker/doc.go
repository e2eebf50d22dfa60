// Package broker establishes and reuses sessions to desktop MCP clients.
//
// # Overview
//
// A desktop client is normally asleep: nothing is listening until it is woken
// over its push channel. The broker hides that bring-up dance behind a single
// call, so tool-invocation code just asks for a session and gets one that is
// connected, handshaken, and ready for RPC.
//
// # Bring-up
//
// GetOrCreateSession drives the full sequence when no live session exists:
//
//  1. Notify: dispatch a wake push carrying a freshly minted session id
//  2. Await connect: poll the relay's status endpoint until the client dials in
//  3. Await readiness: re-poll on a shorter cadence, then hold for a settle
//     delay after the first positive reading
//  4. Handshake: initialize request, initialized notification, tools/list
//
// Each phase fails with its own error type (NotifyError, ConnectTimeoutError,
// ReadyTimeoutError, HandshakeError) so callers can tell a sleeping client
// from a flaky transport with errors.As.
//
// # Reuse and Eviction
//
// Successful bring-ups are registered by client name. A later call probes the
// registered session's liveness first: a positive probe means reuse with zero
// pushes and zero handshakes; a negative one evicts the entry and rebuilds.
// There is no background reaper; eviction only happens lazily on access.
//
// # Concurrency
//
// Concurrent bring-ups for the same client name share one in-flight attempt
// via singleflight, so a burst of callers produces exactly one wake push.
// Request ids are allocated atomically per session: the handshake consumes
// ids 1 and 2, and SendRequest hands out 3 onward.
//
// # Auditing
//
// When a ledger is configured, every post-handshake RPC is recorded with its
// method, request id, duration, and outcome. Recording failures are logged
// and never fail the RPC.
package broker
