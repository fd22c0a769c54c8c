// Package mcp implements the server side of the Model Context Protocol:
// line-framed JSON-RPC 2.0 over stdio, exposing the tool table and tool
// invocation to a local client.
package mcp

import "encoding/json"

// Tool describes one entry of the tool table as exposed by tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolResult holds the tool-layer reply carried in a tools/call response.
// Tool failures travel in-band here with IsError set; they are never
// protocol errors.
type ToolResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent holds one piece of content from a tool result.
type ToolResultContent struct {
	Type string `json:"type"` // text
	Text string `json:"text,omitempty"`
}

// NewTextResult wraps a Markdown body in a successful tool result.
func NewTextResult(text string) *ToolResult {
	return &ToolResult{
		Content: []ToolResultContent{{Type: "text", Text: text}},
	}
}

// NewErrorResult wraps a Markdown body in a failed tool result.
func NewErrorResult(text string) *ToolResult {
	return &ToolResult{
		Content: []ToolResultContent{{Type: "text", Text: text}},
		IsError: true,
	}
}

// Text returns the concatenated text content of the result.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for _, c := range r.Content {
		out += c.Text
	}
	return out
}

// JSON-RPC types

// Request is a JSON-RPC 2.0 request or notification. The ID is kept raw so
// responses echo it byte-for-byte (numbers stay numbers, strings strings).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// NewResponse builds a success response echoing the request ID.
func NewResponse(id json.RawMessage, result json.RawMessage) Response {
	return Response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

// NewErrorResponse builds an error response echoing the request ID.
func NewErrorResponse(id json.RawMessage, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Error:   &Error{Code: code, Message: message},
	}
}

// normalizeID substitutes an explicit null for a missing ID so error
// responses to unparseable requests stay valid JSON-RPC.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Lifecycle types

// ServerInfo identifies this server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises what this server supports.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult is the reply to the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult is the reply to tools/list.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams holds the parameters of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CancelledParams holds the parameters of notifications/cancelled.
type CancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

// protocolVersion is the MCP revision this server speaks.
const protocolVersion = "2024-11-05"
