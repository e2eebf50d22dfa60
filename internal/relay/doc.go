// Package relay is the HTTP client for the external relay service.
//
// # Endpoints
//
// The relay exposes three endpoints per desktop client:
//
//   - POST /notify/{clientName}: mint a session id for a wake attempt
//   - GET /status/{sessionId}: report whether the client holds the session open
//   - POST /mcp/{sessionId}: forward one JSON-RPC envelope to the client
//
// # Status Semantics
//
// IsConnected never returns an error. Transport failures, non-200 statuses,
// and malformed bodies all read as "not connected": the caller is polling and
// only cares whether a positive reading has arrived yet.
//
// # Reply Framing
//
// The RPC endpoint answers either with plain application/json or with an SSE
// stream (text/event-stream) whose data: lines carry the JSON-RPC response.
// Call handles both and returns the first response object found.
package relay
