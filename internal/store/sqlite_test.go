// ABOUTME: Tests for the SQLite invocation ledger.
// ABOUTME: Validates schema creation, record/list ordering, and counting.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore opens a ledger in a temp directory.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "deskmcp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// record inserts an invocation with the given method and start time.
func record(t *testing.T, s *SQLiteStore, clientName, method string, startedAt time.Time, status InvocationStatus) {
	t.Helper()
	require.NoError(t, s.RecordInvocation(context.Background(), &Invocation{
		ID:         uuid.New().String(),
		ClientName: clientName,
		SessionID:  "sess-1",
		RequestID:  3,
		Method:     method,
		StartedAt:  startedAt,
		Duration:   120 * time.Millisecond,
		Status:     status,
	}))
}

func TestSQLiteStore_RecordAndList(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	record(t, s, "alice-laptop", "tools/list", base, InvocationStatusOK)
	record(t, s, "alice-laptop", "tools/call", base.Add(time.Second), InvocationStatusOK)
	record(t, s, "bob-desktop", "tools/call", base.Add(2*time.Second), InvocationStatusError)

	invs, err := s.ListInvocations(context.Background(), "alice-laptop", 10)
	require.NoError(t, err)
	require.Len(t, invs, 2)

	// Newest first
	assert.Equal(t, "tools/call", invs[0].Method)
	assert.Equal(t, "tools/list", invs[1].Method)
	assert.Equal(t, InvocationStatusOK, invs[0].Status)
	assert.Equal(t, 120*time.Millisecond, invs[0].Duration)
}

func TestSQLiteStore_ListLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	for i := 0; i < 5; i++ {
		record(t, s, "alice-laptop", "tools/call", base.Add(time.Duration(i)*time.Second), InvocationStatusOK)
	}

	invs, err := s.ListInvocations(context.Background(), "alice-laptop", 3)
	require.NoError(t, err)
	assert.Len(t, invs, 3)
}

func TestSQLiteStore_ListUnknownClient(t *testing.T) {
	s := newTestStore(t)

	invs, err := s.ListInvocations(context.Background(), "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, invs)
}

func TestSQLiteStore_Count(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()

	record(t, s, "alice-laptop", "tools/call", base, InvocationStatusOK)
	record(t, s, "alice-laptop", "tools/call", base.Add(time.Second), InvocationStatusError)

	count, err := s.CountInvocations(context.Background(), "alice-laptop")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	count, err = s.CountInvocations(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLiteStore_ErrorDetailPersisted(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordInvocation(context.Background(), &Invocation{
		ID:         uuid.New().String(),
		ClientName: "alice-laptop",
		SessionID:  "sess-1",
		RequestID:  4,
		Method:     "tools/call",
		StartedAt:  time.Now(),
		Duration:   time.Second,
		Status:     InvocationStatusError,
		Error:      "rpc endpoint returned status 502",
	}))

	invs, err := s.ListInvocations(context.Background(), "alice-laptop", 1)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, "rpc endpoint returned status 502", invs[0].Error)
}
