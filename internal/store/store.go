// ABOUTME: Invocation ledger models and interface for auditing broker RPC traffic.
// ABOUTME: The ledger is append-only; sessions themselves are never persisted.

package store

import (
	"context"
	"time"
)

// InvocationStatus is the recorded outcome of one RPC.
type InvocationStatus string

const (
	InvocationStatusOK    InvocationStatus = "ok"
	InvocationStatusError InvocationStatus = "error"
)

// Invocation is one audited post-handshake RPC issued through a session.
type Invocation struct {
	ID         string
	ClientName string
	SessionID  string
	RequestID  int64
	Method     string
	StartedAt  time.Time
	Duration   time.Duration
	Status     InvocationStatus
	Error      string
}

// InvocationStore records and queries the invocation ledger.
type InvocationStore interface {
	RecordInvocation(ctx context.Context, inv *Invocation) error
	ListInvocations(ctx context.Context, clientName string, limit int) ([]*Invocation, error)
	CountInvocations(ctx context.Context, clientName string) (int64, error)
	Close() error
}
