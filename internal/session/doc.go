// Package session holds the in-memory registry of established sessions and
// the per-session atomic request id counter. Sessions are never persisted;
// a restart simply forgets them and the next access triggers a fresh bring-up.
package session
