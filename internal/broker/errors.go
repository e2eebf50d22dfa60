// ABOUTME: Typed failure causes for each phase of session bring-up and use.
// ABOUTME: Callers distinguish phases with errors.As to drive actionable messaging.

package broker

import (
	"fmt"
	"time"
)

// NotifyError indicates the wake dispatch failed: either the dispatcher
// reported a delivery failure or threw a transport exception.
type NotifyError struct {
	ClientName string
	Diagnostic string
	Err        error
}

func (e *NotifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("waking %s: %v", e.ClientName, e.Err)
	}
	return fmt.Sprintf("waking %s: push not delivered: %s", e.ClientName, e.Diagnostic)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// ConnectTimeoutError indicates the client never reached "connected" within
// the connect-wait window: it most likely never received the wake at all.
type ConnectTimeoutError struct {
	ClientName string
	SessionID  string
	Elapsed    time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("client %s never connected after %s", e.ClientName, e.Elapsed.Round(time.Millisecond))
}

// ReadyTimeoutError indicates the client connected but its transport never
// stabilized within the readiness window. Distinct from ConnectTimeoutError
// because it points at a flaky transport, not a sleeping client.
type ReadyTimeoutError struct {
	ClientName string
	SessionID  string
	Elapsed    time.Duration
}

func (e *ReadyTimeoutError) Error() string {
	return fmt.Sprintf("client %s connected but transport not ready after %s", e.ClientName, e.Elapsed.Round(time.Millisecond))
}

// HandshakeError indicates the three-step protocol exchange failed on the
// initialize or tools/list step.
type HandshakeError struct {
	ClientName string
	SessionID  string
	Step       string
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed at %s: %v", e.ClientName, e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RPCError indicates a post-handshake request failed at the transport or
// protocol level. The session is not evicted automatically; the next
// GetOrCreateSession liveness check handles that.
type RPCError struct {
	ClientName string
	SessionID  string
	Method     string
	RequestID  int64
	Err        error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s (id %d) to %s failed: %v", e.Method, e.RequestID, e.ClientName, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }
