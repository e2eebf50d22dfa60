// ABOUTME: Session broker: drives the notify → connect → ready → handshake bring-up
// ABOUTME: and hides it behind GetOrCreateSession / SendRequest for tool-invocation code.

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/deskmcp/internal/config"
	"github.com/2389/deskmcp/internal/push"
	"github.com/2389/deskmcp/internal/relay"
	"github.com/2389/deskmcp/internal/session"
	"github.com/2389/deskmcp/internal/store"
)

// RelayClient is the broker's view of the relay: liveness probes and the
// per-session RPC endpoint.
type RelayClient interface {
	IsConnected(ctx context.Context, sessionID string) bool
	Call(ctx context.Context, sessionID string, req *relay.Request) (*relay.Response, error)
	Notify(ctx context.Context, sessionID string, n *relay.Notification) error
}

// WakeDispatcher wakes a desktop client and returns the minted session id.
type WakeDispatcher interface {
	Wake(ctx context.Context, clientName string) (*push.WakeResult, error)
}

// Ledger records post-handshake RPC traffic. May be nil.
type Ledger interface {
	RecordInvocation(ctx context.Context, inv *store.Invocation) error
}

// Options configures a Broker.
type Options struct {
	Relay      RelayClient
	Dispatcher WakeDispatcher
	Registry   *session.Registry
	Ledger     Ledger
	Timing     config.BrokerConfig
	ClientInfo relay.ClientInfo
	Logger     *slog.Logger
}

// Broker establishes and reuses sessions to desktop MCP clients. Bring-ups
// for the same client name are deduplicated: concurrent callers share one
// in-flight bring-up instead of racing and clobbering each other's registry
// entries.
type Broker struct {
	relay      RelayClient
	dispatcher WakeDispatcher
	registry   *session.Registry
	ledger     Ledger
	timing     config.BrokerConfig
	clientInfo relay.ClientInfo
	logger     *slog.Logger

	flight singleflight.Group

	// now is swappable in tests
	now func() time.Time
}

// New creates a session broker.
func New(opts Options) *Broker {
	return &Broker{
		relay:      opts.Relay,
		dispatcher: opts.Dispatcher,
		registry:   opts.Registry,
		ledger:     opts.Ledger,
		timing:     opts.Timing,
		clientInfo: opts.ClientInfo,
		logger:     opts.Logger,
		now:        time.Now,
	}
}

// GetOrCreateSession returns a ready-to-use session for the client name.
// A registry hit is reused if its liveness probe passes; otherwise the stale
// entry is evicted and a full bring-up runs. This is the single public entry
// point for tool-invocation code.
func (b *Broker) GetOrCreateSession(ctx context.Context, clientName string) (*session.Session, error) {
	if s, ok := b.registry.Get(clientName); ok {
		if b.relay.IsConnected(ctx, s.ID) {
			b.logger.Debug("reusing live session", "client", clientName, "session_id", s.ID)
			return s, nil
		}
		b.registry.Remove(clientName)
	}

	v, err, shared := b.flight.Do(clientName, func() (any, error) {
		// A waiter queued behind a finished bring-up reuses its result
		// without re-polling; re-check the registry before starting over.
		if s, ok := b.registry.Get(clientName); ok && b.relay.IsConnected(ctx, s.ID) {
			return s, nil
		}
		return b.bringUp(ctx, clientName)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		b.logger.Debug("joined in-flight bring-up", "client", clientName)
	}
	return v.(*session.Session), nil
}

// bringUp runs the full state machine: notify, await connect, await
// transport readiness, handshake, register.
func (b *Broker) bringUp(ctx context.Context, clientName string) (*session.Session, error) {
	start := b.now()
	b.logger.Info("starting bring-up", "client", clientName)

	// Notifying
	result, err := b.dispatcher.Wake(ctx, clientName)
	if err != nil {
		return nil, &NotifyError{ClientName: clientName, Err: err}
	}
	if !result.Delivered {
		return nil, &NotifyError{ClientName: clientName, Diagnostic: result.Diagnostic}
	}
	sessionID := result.SessionID

	// AwaitingConnect
	if err := b.awaitConnected(ctx, sessionID); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bring-up of %s cancelled: %w", clientName, ctx.Err())
		}
		return nil, &ConnectTimeoutError{
			ClientName: clientName,
			SessionID:  sessionID,
			Elapsed:    b.now().Sub(start),
		}
	}
	b.logger.Debug("client connected", "client", clientName, "session_id", sessionID)

	// AwaitingTransportReady: connect status can race ahead of the
	// transport accepting protocol traffic, so readiness gets its own
	// shorter wait plus a settle delay after the first positive reading.
	readyStart := b.now()
	if err := b.awaitReady(ctx, sessionID); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("bring-up of %s cancelled: %w", clientName, ctx.Err())
		}
		return nil, &ReadyTimeoutError{
			ClientName: clientName,
			SessionID:  sessionID,
			Elapsed:    b.now().Sub(readyStart),
		}
	}

	// Handshaking
	if err := b.handshake(ctx, clientName, sessionID); err != nil {
		return nil, err
	}

	// Ready
	s := session.New(sessionID, clientName, b.now())
	b.registry.Put(s)
	b.logger.Info("session ready",
		"client", clientName,
		"session_id", sessionID,
		"elapsed", b.now().Sub(start).Round(time.Millisecond),
	)
	return s, nil
}

// awaitConnected polls the liveness probe until the first positive reading
// or the connect-wait deadline. Transient probe failures read as "not yet".
func (b *Broker) awaitConnected(ctx context.Context, sessionID string) error {
	return b.pollUntil(ctx, sessionID, b.timing.ConnectTimeout, b.timing.ConnectPollInterval)
}

// awaitReady re-polls the probe on the shorter readiness cadence and, after
// the first positive reading, holds for the settle delay before declaring
// the transport usable.
func (b *Broker) awaitReady(ctx context.Context, sessionID string) error {
	if err := b.pollUntil(ctx, sessionID, b.timing.ReadyTimeout, b.timing.ReadyPollInterval); err != nil {
		return err
	}
	return sleepCtx(ctx, b.timing.SettleDelay)
}

// pollUntil probes until connected, deadline, or cancellation. The deadline
// is re-checked on every iteration; a probe is always attempted once.
func (b *Broker) pollUntil(ctx context.Context, sessionID string, timeout, interval time.Duration) error {
	deadline := b.now().Add(timeout)

	for {
		if b.relay.IsConnected(ctx, sessionID) {
			return nil
		}
		if !b.now().Add(interval).After(deadline) {
			if err := sleepCtx(ctx, interval); err != nil {
				return err
			}
			continue
		}
		// Remaining window is shorter than one interval: wait it out,
		// take one last reading, then give up.
		remaining := deadline.Sub(b.now())
		if remaining > 0 {
			if err := sleepCtx(ctx, remaining); err != nil {
				return err
			}
			if b.relay.IsConnected(ctx, sessionID) {
				return nil
			}
		}
		return context.DeadlineExceeded
	}
}

// sleepCtx sleeps for d, aborting promptly on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// handshake runs the three ordered protocol exchanges. Steps 1 and 3 abort
// on error; step 2 is a fire-and-forget notification with no reply channel,
// so its failures are logged and swallowed.
func (b *Broker) handshake(ctx context.Context, clientName, sessionID string) error {
	initReq := relay.NewRequest(1, relay.MethodInitialize, relay.InitializeParams{
		ProtocolVersion: relay.ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      b.clientInfo,
	})
	reply, err := b.relay.Call(ctx, sessionID, initReq)
	if err != nil {
		return &HandshakeError{ClientName: clientName, SessionID: sessionID, Step: relay.MethodInitialize, Err: err}
	}
	// Any successfully-parsed initialize response is accepted as-is.
	b.logger.Debug("initialize reply", "client", clientName, "result", string(reply.Result))

	if err := b.relay.Notify(ctx, sessionID, relay.NewNotification(relay.MethodInitialized)); err != nil {
		b.logger.Warn("initialized notification failed", "client", clientName, "error", err)
	}

	// tools/list forces early discovery: proof the far end is actually
	// serving the protocol, not just accepting bytes.
	listReq := relay.NewRequest(2, relay.MethodListTools, nil)
	reply, err = b.relay.Call(ctx, sessionID, listReq)
	if err != nil {
		return &HandshakeError{ClientName: clientName, SessionID: sessionID, Step: relay.MethodListTools, Err: err}
	}
	b.logger.Debug("tools/list reply", "client", clientName, "result", string(reply.Result))

	return nil
}

// SendRequest issues one RPC on an established session, allocating the next
// request id atomically. Any transport or HTTP failure surfaces as *RPCError;
// the session stays registered either way.
func (b *Broker) SendRequest(ctx context.Context, s *session.Session, method string, params any) (*relay.Response, error) {
	id := s.NextRequestID()
	started := b.now()

	reply, err := b.relay.Call(ctx, s.ID, relay.NewRequest(id, method, params))
	b.record(ctx, s, id, method, started, err)

	if err != nil {
		return nil, &RPCError{
			ClientName: s.ClientName,
			SessionID:  s.ID,
			Method:     method,
			RequestID:  id,
			Err:        err,
		}
	}

	s.Touch(b.now())
	return reply, nil
}

// record appends to the invocation ledger when one is configured.
func (b *Broker) record(ctx context.Context, s *session.Session, requestID int64, method string, started time.Time, rpcErr error) {
	if b.ledger == nil {
		return
	}

	inv := &store.Invocation{
		ID:         uuid.New().String(),
		ClientName: s.ClientName,
		SessionID:  s.ID,
		RequestID:  requestID,
		Method:     method,
		StartedAt:  started,
		Duration:   b.now().Sub(started),
		Status:     store.InvocationStatusOK,
	}
	if rpcErr != nil {
		inv.Status = store.InvocationStatusError
		inv.Error = rpcErr.Error()
	}

	if err := b.ledger.RecordInvocation(ctx, inv); err != nil {
		b.logger.Warn("recording invocation failed", "client", s.ClientName, "error", err)
	}
}

// ListTools fetches the session's tool catalog.
func (b *Broker) ListTools(ctx context.Context, s *session.Session) ([]relay.ToolInfo, error) {
	reply, err := b.SendRequest(ctx, s, relay.MethodListTools, nil)
	if err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, &RPCError{
			ClientName: s.ClientName,
			SessionID:  s.ID,
			Method:     relay.MethodListTools,
			Err:        fmt.Errorf("%s (code %d)", reply.Error.Message, reply.Error.Code),
		}
	}

	var result relay.ListToolsResult
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return nil, fmt.Errorf("parsing tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool and unwraps the first text content block of
// the result, the shape MCP servers answer tools/call with.
func (b *Broker) CallTool(ctx context.Context, s *session.Session, name string, args any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	reply, err := b.SendRequest(ctx, s, relay.MethodCallTool, relay.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", err
	}
	if reply.Error != nil {
		return "", &RPCError{
			ClientName: s.ClientName,
			SessionID:  s.ID,
			Method:     relay.MethodCallTool,
			Err:        fmt.Errorf("%s (code %d)", reply.Error.Message, reply.Error.Code),
		}
	}

	var result relay.CallToolResult
	if err := json.Unmarshal(reply.Result, &result); err != nil {
		return "", fmt.Errorf("parsing tools/call result: %w", err)
	}

	if len(result.Content) == 0 {
		return "", nil
	}
	text := result.Content[0].Text
	if result.IsError {
		return "", &RPCError{
			ClientName: s.ClientName,
			SessionID:  s.ID,
			Method:     relay.MethodCallTool,
			Err:        fmt.Errorf("tool %s reported an error: %s", name, text),
		}
	}
	return text, nil
}
