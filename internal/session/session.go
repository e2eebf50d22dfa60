// ABOUTME: Session record for one established, handshake-complete desktop channel.
// ABOUTME: Request ids are allocated atomically and strictly increase per session.

package session

import (
	"sync/atomic"
	"time"
)

// handshakeRequests is the number of request ids consumed by the protocol
// handshake (initialize = 1, tools/list = 2) before a session is stored.
const handshakeRequests = 2

// Session represents one live bring-up of a desktop client. The session id is
// minted by the relay at notify time and never changes; the client name is
// the registry key and is stable across reconnects.
type Session struct {
	ID          string
	ClientName  string
	ConnectedAt time.Time

	lastActivity  atomic.Int64 // unix nanos
	nextRequestID atomic.Int64
}

// New creates a session record after a successful bring-up. Request ids
// continue after those consumed by the handshake.
func New(id, clientName string, connectedAt time.Time) *Session {
	s := &Session{
		ID:          id,
		ClientName:  clientName,
		ConnectedAt: connectedAt,
	}
	s.nextRequestID.Store(handshakeRequests)
	s.lastActivity.Store(connectedAt.UnixNano())
	return s
}

// NextRequestID atomically allocates the next request id for this session.
// The first call after a fresh bring-up returns 3.
func (s *Session) NextRequestID() int64 {
	return s.nextRequestID.Add(1)
}

// Touch records activity on the session.
func (s *Session) Touch(at time.Time) {
	s.lastActivity.Store(at.UnixNano())
}

// LastActivityAt returns the time of the last request sent on this session.
func (s *Session) LastActivityAt() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}
