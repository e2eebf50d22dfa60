// ABOUTME: Tests for the session broker bring-up state machine and RPC path.
// ABOUTME: Uses in-memory fakes for the relay, dispatcher, and ledger.

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/deskmcp/internal/config"
	"github.com/2389/deskmcp/internal/push"
	"github.com/2389/deskmcp/internal/relay"
	"github.com/2389/deskmcp/internal/session"
	"github.com/2389/deskmcp/internal/store"
)

// fakeRelay simulates the relay endpoints. connectAfter controls how many
// liveness probes return false before the session reads as connected.
type fakeRelay struct {
	mu           sync.Mutex
	probes       int
	connectAfter int
	calls        []*relay.Request
	notifies     []*relay.Notification
	callErr      map[string]error // by method
	callReply    map[string]json.RawMessage
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		callErr:   map[string]error{},
		callReply: map[string]json.RawMessage{},
	}
}

func (f *fakeRelay) IsConnected(ctx context.Context, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probes > f.connectAfter
}

func (f *fakeRelay) Call(ctx context.Context, sessionID string, req *relay.Request) (*relay.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.callErr[req.Method]; err != nil {
		return nil, err
	}
	result, ok := f.callReply[req.Method]
	if !ok {
		result = json.RawMessage(`{}`)
	}
	return &relay.Response{JSONRPC: "2.0", Result: result}, nil
}

func (f *fakeRelay) Notify(ctx context.Context, sessionID string, n *relay.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, n)
	return nil
}

func (f *fakeRelay) callMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

// fakeDispatcher counts wakes and mints sequential session ids.
type fakeDispatcher struct {
	wakes     atomic.Int64
	wakeErr   error
	delivered bool
}

func (f *fakeDispatcher) Wake(ctx context.Context, clientName string) (*push.WakeResult, error) {
	n := f.wakes.Add(1)
	if f.wakeErr != nil {
		return nil, f.wakeErr
	}
	if !f.delivered {
		return &push.WakeResult{SessionID: fmt.Sprintf("sess-%d", n), Diagnostic: "channel returned status 410 Gone"}, nil
	}
	return &push.WakeResult{SessionID: fmt.Sprintf("sess-%d", n), Delivered: true}, nil
}

// fakeLedger records invocations in memory.
type fakeLedger struct {
	mu   sync.Mutex
	invs []*store.Invocation
}

func (f *fakeLedger) RecordInvocation(ctx context.Context, inv *store.Invocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invs = append(f.invs, inv)
	return nil
}

func fastTiming() config.BrokerConfig {
	return config.BrokerConfig{
		ConnectTimeout:      200 * time.Millisecond,
		ConnectPollInterval: 10 * time.Millisecond,
		ReadyTimeout:        100 * time.Millisecond,
		ReadyPollInterval:   5 * time.Millisecond,
		SettleDelay:         time.Millisecond,
	}
}

func newTestBroker(rc RelayClient, wd WakeDispatcher, ledger Ledger) *Broker {
	logger := slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(Options{
		Relay:      rc,
		Dispatcher: wd,
		Registry:   session.NewRegistry(logger),
		Ledger:     ledger,
		Timing:     fastTiming(),
		ClientInfo: relay.ClientInfo{Name: "deskmcp", Version: "1.0.0"},
		Logger:     logger,
	})
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestBroker_BringUp_HappyPath(t *testing.T) {
	rc := newFakeRelay()
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	s, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, "alice-laptop", s.ClientName)

	// Exactly one wake per bring-up
	assert.EqualValues(t, 1, wd.wakes.Load())

	// Handshake order: initialize, then tools/list, with the initialized
	// notification in between.
	assert.Equal(t, []string{relay.MethodInitialize, relay.MethodListTools}, rc.callMethods())
	require.Len(t, rc.notifies, 1)
	assert.Equal(t, relay.MethodInitialized, rc.notifies[0].Method)

	// Handshake consumed ids 1 and 2; the first post-handshake id is 3.
	assert.EqualValues(t, 1, rc.calls[0].ID)
	assert.EqualValues(t, 2, rc.calls[1].ID)
	assert.EqualValues(t, 3, s.NextRequestID())
}

func TestBroker_BringUp_NoRPCBeforeConnected(t *testing.T) {
	rc := newFakeRelay()
	rc.connectAfter = 3
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	_, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	// Probes kept going until positive; only then did RPC traffic start.
	assert.GreaterOrEqual(t, rc.probes, 4)
	require.NotEmpty(t, rc.calls)
	assert.Equal(t, relay.MethodInitialize, rc.calls[0].Method)
}

func TestBroker_ReuseLiveSession(t *testing.T) {
	rc := newFakeRelay()
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	first, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	callsAfterBringUp := len(rc.callMethods())

	second, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	// Same session, no second wake, no second handshake.
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, wd.wakes.Load())
	assert.Len(t, rc.callMethods(), callsAfterBringUp)
}

func TestBroker_EvictsStaleSessionAndRebuildsOnDemand(t *testing.T) {
	rc := newFakeRelay()
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	first, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	// The next two probes fail: the reuse check reads the old session as
	// dead, then bring-up's first connect poll misses before the one after
	// succeeds.
	rc.mu.Lock()
	rc.connectAfter = rc.probes + 2
	rc.mu.Unlock()

	second, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.EqualValues(t, 2, wd.wakes.Load())
}

func TestBroker_NotifyFailure(t *testing.T) {
	t.Run("dispatch error", func(t *testing.T) {
		rc := newFakeRelay()
		wd := &fakeDispatcher{wakeErr: errors.New("no channel registered")}
		b := newTestBroker(rc, wd, nil)

		_, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
		var notifyErr *NotifyError
		require.ErrorAs(t, err, &notifyErr)
		assert.Equal(t, "alice-laptop", notifyErr.ClientName)
	})

	t.Run("delivery rejected", func(t *testing.T) {
		rc := newFakeRelay()
		wd := &fakeDispatcher{delivered: false}
		b := newTestBroker(rc, wd, nil)

		_, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
		var notifyErr *NotifyError
		require.ErrorAs(t, err, &notifyErr)
		assert.Contains(t, notifyErr.Diagnostic, "410")
	})
}

func TestBroker_ConnectTimeout(t *testing.T) {
	rc := newFakeRelay()
	rc.connectAfter = 1 << 30 // never connects
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	_, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	var timeoutErr *ConnectTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "alice-laptop", timeoutErr.ClientName)
	assert.Equal(t, "sess-1", timeoutErr.SessionID)

	// No protocol traffic before a positive status reading.
	assert.Empty(t, rc.callMethods())
}

// readyFlapRelay connects once, then reads disconnected for every readiness
// probe, separating the ready-timeout failure from the connect one.
type readyFlapRelay struct {
	*fakeRelay
	connectProbes atomic.Int64
}

func (f *readyFlapRelay) IsConnected(ctx context.Context, sessionID string) bool {
	return f.connectProbes.Add(1) == 1
}

func TestBroker_ReadyTimeout(t *testing.T) {
	rc := &readyFlapRelay{fakeRelay: newFakeRelay()}
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	_, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	var readyErr *ReadyTimeoutError
	require.ErrorAs(t, err, &readyErr)

	var connectErr *ConnectTimeoutError
	assert.False(t, errors.As(err, &connectErr))
	assert.Empty(t, rc.callMethods())
}

func TestBroker_HandshakeFailure(t *testing.T) {
	for _, step := range []string{relay.MethodInitialize, relay.MethodListTools} {
		t.Run(step, func(t *testing.T) {
			rc := newFakeRelay()
			rc.callErr[step] = errors.New("rpc endpoint returned status 502")
			wd := &fakeDispatcher{delivered: true}
			b := newTestBroker(rc, wd, nil)

			_, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
			var hsErr *HandshakeError
			require.ErrorAs(t, err, &hsErr)
			assert.Equal(t, step, hsErr.Step)

			// Failed bring-up leaves nothing registered.
			_, ok := b.registry.Get("alice-laptop")
			assert.False(t, ok)
		})
	}
}

// failingNotifyRelay errors on the initialized notification only.
type failingNotifyRelay struct {
	*fakeRelay
}

func (f *failingNotifyRelay) Notify(ctx context.Context, sessionID string, n *relay.Notification) error {
	return errors.New("rpc endpoint returned status 500")
}

func TestBroker_InitializedNotificationFailureIsSwallowed(t *testing.T) {
	rc := &failingNotifyRelay{fakeRelay: newFakeRelay()}
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	s, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)
	assert.Equal(t, []string{relay.MethodInitialize, relay.MethodListTools}, rc.callMethods())
	assert.NotNil(t, s)
}

func TestBroker_ConcurrentBringUpsShareOneFlight(t *testing.T) {
	rc := newFakeRelay()
	rc.connectAfter = 2 // slow it down enough for callers to pile up
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	const callers = 8
	sessions := make([]*session.Session, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i], errs[i] = b.GetOrCreateSession(context.Background(), "alice-laptop")
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.EqualValues(t, 1, wd.wakes.Load())
	for _, s := range sessions[1:] {
		assert.Same(t, sessions[0], s)
	}
}

func TestBroker_SendRequest(t *testing.T) {
	rc := newFakeRelay()
	wd := &fakeDispatcher{delivered: true}
	ledger := &fakeLedger{}
	b := newTestBroker(rc, wd, ledger)

	s, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	reply, err := b.SendRequest(context.Background(), s, relay.MethodListTools, nil)
	require.NoError(t, err)
	assert.NotNil(t, reply)

	// First post-handshake request carries id 3 and lands in the ledger.
	last := rc.calls[len(rc.calls)-1]
	assert.EqualValues(t, 3, last.ID)

	require.Len(t, ledger.invs, 1)
	assert.Equal(t, relay.MethodListTools, ledger.invs[0].Method)
	assert.EqualValues(t, 3, ledger.invs[0].RequestID)
	assert.Equal(t, store.InvocationStatusOK, ledger.invs[0].Status)
}

func TestBroker_SendRequestFailure(t *testing.T) {
	rc := newFakeRelay()
	wd := &fakeDispatcher{delivered: true}
	ledger := &fakeLedger{}
	b := newTestBroker(rc, wd, ledger)

	s, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	rc.mu.Lock()
	rc.callErr[relay.MethodCallTool] = errors.New("rpc endpoint returned status 502")
	rc.mu.Unlock()

	_, err = b.SendRequest(context.Background(), s, relay.MethodCallTool, relay.CallToolParams{Name: "open_file"})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, relay.MethodCallTool, rpcErr.Method)
	assert.EqualValues(t, 3, rpcErr.RequestID)

	// Failure is audited, and the session stays registered.
	require.Len(t, ledger.invs, 1)
	assert.Equal(t, store.InvocationStatusError, ledger.invs[0].Status)
	_, ok := b.registry.Get("alice-laptop")
	assert.True(t, ok)
}

func TestBroker_ListTools(t *testing.T) {
	rc := newFakeRelay()
	rc.callReply[relay.MethodListTools] = json.RawMessage(
		`{"tools":[{"name":"open_file","description":"Opens a file"},{"name":"run_query"}]}`)
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	s, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	tools, err := b.ListTools(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "open_file", tools[0].Name)
	assert.Equal(t, "Opens a file", tools[0].Description)
}

func TestBroker_CallTool(t *testing.T) {
	rc := newFakeRelay()
	rc.callReply[relay.MethodCallTool] = json.RawMessage(
		`{"content":[{"type":"text","text":"42 rows"}]}`)
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	s, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	out, err := b.CallTool(context.Background(), s, "run_query", map[string]any{"sql": "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, "42 rows", out)
}

func TestBroker_CallToolReportedError(t *testing.T) {
	rc := newFakeRelay()
	rc.callReply[relay.MethodCallTool] = json.RawMessage(
		`{"content":[{"type":"text","text":"file not found"}],"isError":true}`)
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	s, err := b.GetOrCreateSession(context.Background(), "alice-laptop")
	require.NoError(t, err)

	_, err = b.CallTool(context.Background(), s, "open_file", nil)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Contains(t, err.Error(), "file not found")
}

func TestBroker_BringUpCancellation(t *testing.T) {
	rc := newFakeRelay()
	rc.connectAfter = 1 << 30
	wd := &fakeDispatcher{delivered: true}
	b := newTestBroker(rc, wd, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := b.GetOrCreateSession(ctx, "alice-laptop")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
