// ABOUTME: JSON-RPC 2.0 envelope types for the relay's line-oriented MCP transport.
// ABOUTME: Wire shapes are load-bearing; field order and presence match the protocol exactly.

package relay

import "encoding/json"

// ProtocolVersion is the MCP protocol revision spoken during the handshake.
const ProtocolVersion = "2025-06-18"

// Well-known methods used by the broker.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
)

// Request is a JSON-RPC 2.0 request carrying an id and expecting a reply.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// NewRequest builds a request envelope with the protocol version tag set.
func NewRequest(id int64, method string, params any) *Request {
	if params == nil {
		params = map[string]any{}
	}
	return &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Notification is a JSON-RPC 2.0 notification: no id, no reply expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

// NewNotification builds a notification envelope.
func NewNotification(method string) *Notification {
	return &Notification{JSONRPC: "2.0", Method: method}
}

// Response is a JSON-RPC 2.0 reply.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a JSON-RPC 2.0 error object.
type ResponseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// InitializeParams are the params of the handshake's initialize request.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// ClientInfo identifies this broker to the far end.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CallToolParams are the params of a tools/call request.
type CallToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// ToolInfo is one entry of a tools/list result.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ListToolsResult is the result of a tools/list request.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ToolContent is one content block of a tools/call result.
type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the result of a tools/call request.
type CallToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}
