// ABOUTME: HTTP client for the external relay: session minting, liveness probe, RPC proxying.
// ABOUTME: Replies arrive as plain JSON or as an SSE stream; both framings are handled.

package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoReply indicates the relay returned a stream with no JSON-RPC object in it.
var ErrNoReply = errors.New("no JSON-RPC reply in relay response")

// Client talks to the external relay service. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a relay client for the given base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// mintResponse is the relay's reply to a notify request.
type mintResponse struct {
	SessionID string `json:"sessionId"`
}

// MintSession asks the relay for a new session tied to the client name.
// The relay mints the opaque session id at this point.
func (c *Client) MintSession(ctx context.Context, clientName string) (string, error) {
	u := fmt.Sprintf("%s/notify/%s", c.baseURL, url.PathEscape(clientName))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return "", fmt.Errorf("creating notify request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("notify request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading notify response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("notify returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var mint mintResponse
	if err := json.Unmarshal(body, &mint); err != nil {
		return "", fmt.Errorf("parsing notify response: %w", err)
	}
	if mint.SessionID == "" {
		return "", fmt.Errorf("notify response missing sessionId")
	}

	return mint.SessionID, nil
}

// statusResponse is the relay's connectivity report for one session.
type statusResponse struct {
	Connected bool `json:"connected"`
}

// IsConnected probes the relay for the session's connectivity state.
// This method is polled in tight loops: any transport error, non-success
// status, or malformed body is reported as "not connected", never as an
// error. Only the poll deadline ends a wait, not a transient blip.
func (c *Client) IsConnected(ctx context.Context, sessionID string) bool {
	u := fmt.Sprintf("%s/status/%s", c.baseURL, url.PathEscape(sessionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("status probe failed", "session_id", sessionID, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		c.logger.Debug("status probe returned malformed body", "session_id", sessionID, "error", err)
		return false
	}

	return status.Connected
}

// Call posts a request envelope to the session's RPC endpoint and returns the
// parsed reply. Any non-success HTTP status is a hard error.
func (c *Client) Call(ctx context.Context, sessionID string, req *Request) (*Response, error) {
	return c.post(ctx, sessionID, req)
}

// Notify posts a notification envelope. No reply is expected; the relay's
// acknowledgement body, if any, is discarded.
func (c *Client) Notify(ctx context.Context, sessionID string, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	resp, err := c.doRPC(ctx, sessionID, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// post sends an envelope and parses the JSON or SSE reply.
func (c *Client) post(ctx context.Context, sessionID string, envelope any) (*Response, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	resp, err := c.doRPC(ctx, sessionID, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("rpc endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return parseReply(resp)
}

// doRPC issues the POST to the per-session RPC endpoint.
func (c *Client) doRPC(ctx context.Context, sessionID string, body []byte) (*http.Response, error) {
	u := fmt.Sprintf("%s/mcp/%s", c.baseURL, url.PathEscape(sessionID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream, application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc request: %w", err)
	}
	return resp, nil
}

// parseReply decodes the relay's reply body. MCP platforms using Streamable
// HTTP answer with text/event-stream; others answer with plain JSON. For SSE,
// the first data line carrying a JSON-RPC result or error wins.
func parseReply(resp *http.Response) (*Response, error) {
	contentType := resp.Header.Get("Content-Type")

	if strings.Contains(contentType, "application/json") {
		var reply Response
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
			return nil, fmt.Errorf("parsing rpc reply: %w", err)
		}
		return &reply, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		data := line
		if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(line[len("data:"):])
		}
		if data == "" || !strings.HasPrefix(data, "{") {
			continue
		}

		var reply Response
		if err := json.Unmarshal([]byte(data), &reply); err != nil {
			continue
		}
		if reply.Result != nil || reply.Error != nil || reply.JSONRPC != "" {
			return &reply, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading rpc reply stream: %w", err)
	}

	return nil, ErrNoReply
}
