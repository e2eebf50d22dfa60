// Package store persists the invocation ledger in SQLite.
//
// The ledger is an append-only audit of post-handshake RPC traffic: one row
// per request with its method, request id, duration, and outcome. Session
// state itself is deliberately not stored here.
package store
