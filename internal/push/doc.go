// Package push dispatches raw wake notifications to desktop clients.
//
// # Wake Flow
//
// Wake mints a session id from the relay, then posts an opaque JSON payload
// {callbackUrl, serverId, timestamp} to the client's per-device channel URL
// with a bearer token from the credential source. The channel is a WNS-style
// raw push endpoint, so the request carries X-WNS-Type: wns/raw and asks for
// delivery status with X-WNS-RequestForStatus.
//
// # Failure Reporting
//
// A rejected delivery (non-2xx from the channel) is not a Go error: the
// WakeResult reports Delivered=false plus a diagnostic built from the status
// line, the X-WNS-* response headers, and a body snippet. Only transport and
// credential failures surface as errors.
//
// # Suppression
//
// Repeated wakes to the same client within a short window skip the push but
// still mint a fresh session id, so a client already waking up is not
// hammered with duplicate notifications.
package push
