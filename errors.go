package mcp

import (
	"errors"
	"fmt"
)

// Error codes carried in JSONRPCError.Code. The -327xx and -326xx range is reserved by JSON-RPC,
// the -320xx codes are specific to this server.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeUnknownTool      = -32001
	CodeHandlerExecution = -32002
	CodeNotInitialized   = -32003
)

var (
	// ErrParse is reported for input that is not valid JSON.
	ErrParse = errors.New("parse error")
	// ErrInvalidRequest is reported for JSON that is not a valid request envelope.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMethodNotFound is reported for methods the server does not implement.
	ErrMethodNotFound = errors.New("method not found")
	// ErrSchemaValidation is reported when a call's arguments do not satisfy the tool's schema.
	ErrSchemaValidation = errors.New("schema validation failed")
	// ErrInternal is reported when the server itself fails to build a response.
	ErrInternal = errors.New("internal error")
	// ErrUnknownTool is reported when a call names a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrHandlerExecution is reported when a tool handler fails, panics or times out.
	ErrHandlerExecution = errors.New("tool execution failed")
	// ErrNotInitialized is reported for discovery or invocation before the initialize handshake.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrDuplicateTool is returned by Registry.Register when the name is already taken.
	ErrDuplicateTool = errors.New("duplicate tool name")
)

var codeErrors = []struct {
	code int
	err  error
}{
	{CodeParseError, ErrParse},
	{CodeInvalidRequest, ErrInvalidRequest},
	{CodeMethodNotFound, ErrMethodNotFound},
	{CodeInvalidParams, ErrSchemaValidation},
	{CodeInternalError, ErrInternal},
	{CodeUnknownTool, ErrUnknownTool},
	{CodeHandlerExecution, ErrHandlerExecution},
	{CodeNotInitialized, ErrNotInitialized},
}

// ValidationError describes which argument failed schema validation and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", v.Field, v.Reason)
}

// Unwrap lets errors.Is match ErrSchemaValidation.
func (v ValidationError) Unwrap() error {
	return ErrSchemaValidation
}

// Is reports whether target is the sentinel error for j's code, so a decoded error response can be
// tested with errors.Is(err, ErrUnknownTool).
func (j JSONRPCError) Is(target error) bool {
	for _, ce := range codeErrors {
		if ce.code == j.Code {
			return ce.err == target
		}
	}
	return false
}

// newJSONRPCError maps err to its wire representation. Errors that do not wrap one of the
// sentinels are reported as internal errors.
func newJSONRPCError(err error, data map[string]any) *JSONRPCError {
	var rpcErr JSONRPCError
	if errors.As(err, &rpcErr) {
		return &rpcErr
	}

	code := CodeInternalError
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			code = ce.code
			break
		}
	}

	var vErr ValidationError
	if errors.As(err, &vErr) {
		if data == nil {
			data = make(map[string]any)
		}
		data["field"] = vErr.Field
	}

	return &JSONRPCError{
		Code:    code,
		Message: err.Error(),
		Data:    data,
	}
}
