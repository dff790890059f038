package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// RequestID identifies a request and the response that answers it. It stores the JSON token the
// caller used, so a numeric id is echoed back as a number and a string id as a string.
//
// The zero value means "no id" and is omitted from the wire.
type RequestID string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication in the MCP protocol.
// It can represent either a request, response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID RequestID `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler. An error response always carries the id member, as
// null when the id of the offending message could not be read.
func (m JSONRPCMessage) MarshalJSON() ([]byte, error) {
	type message JSONRPCMessage
	if m.Error == nil || !m.ID.IsZero() {
		return json.Marshal(message(m))
	}
	return json.Marshal(struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      *RequestID    `json:"id"`
		Error   *JSONRPCError `json:"error"`
	}{
		JSONRPC: m.JSONRPC,
		Error:   m.Error,
	})
}

// decodeMessage parses one JSON-RPC message in two steps. Input that is not JSON fails with
// ErrParse. JSON that is not a well-formed envelope fails with ErrInvalidRequest, and the returned
// message then keeps the id when it could be read.
func decodeMessage(data []byte) (JSONRPCMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		var raw json.RawMessage
		if json.Unmarshal(data, &raw) != nil {
			return JSONRPCMessage{}, fmt.Errorf("%w: %w", ErrParse, err)
		}
		return JSONRPCMessage{}, fmt.Errorf("%w: message must be a JSON object", ErrInvalidRequest)
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		var id RequestID
		if rawID, ok := fields["id"]; ok {
			_ = json.Unmarshal(rawID, &id)
		}
		return JSONRPCMessage{ID: id}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return msg, nil
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents the capabilities advertised by the server on initialize.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolDescriptor describes a tool to callers. It is both the registry's record of a tool and the
// shape returned by tools/list.
type ToolDescriptor struct {
	// Name uniquely identifies the tool in a Registry.
	Name string `json:"name"`
	// Description is a human-readable explanation of what the tool does.
	Description string `json:"description,omitempty"`
	// InputSchema declares the arguments the tool accepts.
	InputSchema InputSchema `json:"inputSchema"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is accepted for protocol compatibility; the listing is never paginated.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents the tools returned by tools/list.
type ListToolsResult struct {
	Tools      []ToolDescriptor `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs. It is kept raw so the server can
	// tell a missing object from one of the wrong type.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation.
type CallToolResult struct {
	Content           []Content      `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// Content represents a content block of a tool result.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// ContentType represents the type of content in tool results.
type ContentType string

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Info           `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// ContentTypeText is the only content type produced by the toolbox.
const ContentTypeText ContentType = "text"

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize is the handshake method that must precede discovery and invocation.
	MethodInitialize = "initialize"
	// MethodPing checks liveness; it is allowed before the handshake.
	MethodPing = "ping"
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	methodListToolsAlias = "list_tools"
	methodCallToolAlias  = "call_tool"

	methodNotificationsPrefix      = "notifications/"
	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"

	// LatestProtocolVersion is the newest protocol revision the server speaks.
	LatestProtocolVersion = "2025-06-18"
)

var supportedProtocolVersions = []string{"2024-11-05", "2025-03-26", LatestProtocolVersion}

// StringID returns a RequestID that is encoded as a JSON string.
func StringID(s string) RequestID {
	bs, _ := json.Marshal(s)
	return RequestID(bs)
}

// NumberID returns a RequestID that is encoded as a JSON number.
func NumberID(n int64) RequestID {
	return RequestID(strconv.FormatInt(n, 10))
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool {
	return id == ""
}

// String returns the id without JSON quoting, for logs.
func (id RequestID) String() string {
	var s string
	if err := json.Unmarshal([]byte(id), &s); err == nil {
		return s
	}
	return string(id)
}

// UnmarshalJSON implements json.Unmarshaler. It accepts a string or a number and keeps the
// original token. A null id is treated as absent.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid string id: %w", err)
		}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("id must be a string or a number, got %s", data)
		}
	}

	*id = RequestID(data)
	return nil
}

// MarshalJSON implements json.Marshaler by writing the stored token back unchanged.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (j JSONRPCError) Error() string {
	if len(j.Data) == 0 {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}

func isSupportedProtocolVersion(version string) bool {
	return slices.Contains(supportedProtocolVersions, version)
}
