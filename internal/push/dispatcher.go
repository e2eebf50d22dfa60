// ABOUTME: Wake-notification dispatcher: mints a relay session, then pushes a raw payload
// ABOUTME: to the client's channel with the fixed headers the push transport requires.

package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/deskmcp/internal/config"
	"github.com/2389/deskmcp/internal/token"
	"github.com/2389/deskmcp/internal/wakecache"
)

// ErrUnknownClient indicates no push channel is configured for the client name.
var ErrUnknownClient = errors.New("no push channel configured for client")

// SessionMinter mints relay sessions for client names.
type SessionMinter interface {
	MintSession(ctx context.Context, clientName string) (string, error)
}

// CredentialSource supplies the bearer credential for the push channel.
type CredentialSource interface {
	Token(ctx context.Context) (token.Credential, error)
}

// WakeResult reports the outcome of one wake attempt. Delivered is false for
// ordinary delivery failures; Diagnostic carries whatever header/body detail
// the push transport provided. It is meant for operators, not for parsing.
type WakeResult struct {
	SessionID  string
	Delivered  bool
	Diagnostic string
}

// Dispatcher sends wake-up payloads to desktop clients' push channels. It is
// safe for concurrent use.
type Dispatcher struct {
	minter  SessionMinter
	creds   CredentialSource
	clients config.ClientsConfig
	cfg     config.PushConfig
	cache   *wakecache.Cache
	client  *http.Client
	logger  *slog.Logger

	// now is swappable in tests
	now func() time.Time
}

// NewDispatcher creates a wake dispatcher.
func NewDispatcher(minter SessionMinter, creds CredentialSource, clients config.ClientsConfig, cfg config.PushConfig, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		minter:  minter,
		creds:   creds,
		clients: clients,
		cfg:     cfg,
		cache:   wakecache.New(cfg.WakeSuppression),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		now:     time.Now,
	}
}

// wakePayload is the JSON body delivered through the push channel. The
// desktop client dials the callback URL when it receives this.
type wakePayload struct {
	CallbackURL string `json:"callbackUrl"`
	ServerID    string `json:"serverId,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Wake mints a new relay session for the client and sends a wake payload to
// its push channel. Ordinary delivery failures come back as Delivered=false
// with diagnostic detail; only transport-level exceptions (and credential or
// minting failures) return an error.
func (d *Dispatcher) Wake(ctx context.Context, clientName string) (*WakeResult, error) {
	client, ok := d.clients[clientName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, clientName)
	}

	sessionID, err := d.minter.MintSession(ctx, clientName)
	if err != nil {
		return nil, fmt.Errorf("minting session for %s: %w", clientName, err)
	}

	if !d.cache.ShouldSend(clientName) {
		d.logger.Debug("wake push suppressed, recent wake in flight",
			"client", clientName,
			"session_id", sessionID,
		)
		return &WakeResult{
			SessionID:  sessionID,
			Delivered:  true,
			Diagnostic: "push suppressed: wake already in flight",
		}, nil
	}

	cred, err := d.creds.Token(ctx)
	if err != nil {
		d.cache.Forget(clientName)
		return nil, fmt.Errorf("acquiring push credential: %w", err)
	}

	delivered, diagnostic, err := d.send(ctx, client.ChannelURL, cred.Token, sessionID)
	if err != nil {
		d.cache.Forget(clientName)
		return nil, err
	}
	if !delivered {
		d.cache.Forget(clientName)
	}

	return &WakeResult{
		SessionID:  sessionID,
		Delivered:  delivered,
		Diagnostic: diagnostic,
	}, nil
}

// send posts the raw wake payload to the channel URI. The header set is fixed
// by the push transport: bearer auth, parameterless octet-stream content
// type, explicit content length, raw-notification marker, and a request for
// delivery-status feedback.
func (d *Dispatcher) send(ctx context.Context, channelURL, bearer, sessionID string) (delivered bool, diagnostic string, err error) {
	payload, err := json.Marshal(wakePayload{
		CallbackURL: d.cfg.CallbackURL,
		ServerID:    d.cfg.ServerID,
		Timestamp:   d.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, "", fmt.Errorf("encoding wake payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channelURL, bytes.NewReader(payload))
	if err != nil {
		return false, "", fmt.Errorf("creating wake request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	req.ContentLength = int64(len(payload))
	req.Header.Set("X-WNS-Type", "wns/raw")
	req.Header.Set("X-WNS-RequestForStatus", "true")

	resp, err := d.client.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("wake delivery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.logger.Info("wake push delivered",
			"session_id", sessionID,
			"status", resp.StatusCode,
			"notification_status", resp.Header.Get("X-WNS-NotificationStatus"),
		)
		return true, resp.Header.Get("X-WNS-NotificationStatus"), nil
	}

	return false, deliveryDiagnostic(resp), nil
}

// deliveryDiagnostic assembles operator-facing detail from a failed delivery:
// the status line, any transport status headers, and a body snippet.
func deliveryDiagnostic(resp *http.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "push channel returned %s", resp.Status)

	for _, h := range []string{"X-WNS-NotificationStatus", "X-WNS-Error-Description", "X-WNS-Debug-Trace"} {
		if v := resp.Header.Get(h); v != "" {
			fmt.Fprintf(&b, "; %s=%s", h, v)
		}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if text := strings.TrimSpace(string(body)); text != "" {
		fmt.Fprintf(&b, "; body: %s", text)
	}

	return b.String()
}
