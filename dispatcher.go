package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// DispatcherOption represents the options for the Dispatcher.
type DispatcherOption func(*Dispatcher)

// Dispatcher validates requests against a Registry, invokes tool handlers and wraps every
// outcome in a CallResult. It holds no per-session state: whether the caller completed the
// initialize handshake is passed in on every call.
//
// A Dispatcher is safe for concurrent use by many sessions.
type Dispatcher struct {
	info         Info
	instructions string
	registry     *Registry
	callTimeout  time.Duration
	logger       *slog.Logger
}

// CallRequest is a decoded request, ready for dispatch.
type CallRequest struct {
	ID     RequestID
	Method string

	// ToolName and Arguments are set for tools/call.
	ToolName  string
	Arguments json.RawMessage

	// Params holds the raw params of any other method.
	Params json.RawMessage
}

// CallResult is the outcome of one dispatch. Exactly one of Result and Err is set.
type CallResult struct {
	ID     RequestID
	Result json.RawMessage
	Err    *JSONRPCError
}

var defaultCallTimeout = 30 * time.Second

// NewDispatcher creates a Dispatcher that serves the tools of registry and identifies itself
// with info on initialize.
func NewDispatcher(info Info, registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		info:     info,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	if d.callTimeout <= 0 {
		d.callTimeout = defaultCallTimeout
	}
	return d
}

// WithInstructions sets the instructions returned to clients on initialize.
func WithInstructions(instructions string) DispatcherOption {
	return func(d *Dispatcher) {
		d.instructions = instructions
	}
}

// WithCallTimeout bounds each tool handler invocation. A handler that overruns it is reported
// as a failed execution; the handler goroutine is left to finish on its own.
func WithCallTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.callTimeout = timeout
	}
}

// WithDispatcherLogger sets the logger for the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With(
			slog.String("package", "mcp-toolbox"),
			slog.String("component", "dispatcher"),
		)
	}
}

// RequestFromMessage decodes a request message. Method aliases are normalized, and for
// tools/call the tool name and raw arguments are extracted from params.
func RequestFromMessage(msg JSONRPCMessage) (CallRequest, error) {
	req := CallRequest{
		ID:     msg.ID,
		Method: msg.Method,
		Params: msg.Params,
	}

	switch msg.Method {
	case methodListToolsAlias:
		req.Method = MethodToolsList
	case methodCallToolAlias:
		req.Method = MethodToolsCall
	}
	if req.Method != MethodToolsCall {
		return req, nil
	}

	if isNull(msg.Params) {
		return req, nil
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return req, ValidationError{Field: "params", Reason: "must be an object"}
	}
	if raw, ok := params["name"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &req.ToolName); err != nil {
			return req, ValidationError{Field: "name", Reason: "must be a string"}
		}
	}
	req.Arguments = params["arguments"]

	return req, nil
}

// Dispatch handles one request. negotiated reports whether the caller's session has completed
// the initialize handshake. Failures of any kind, including handler panics and timeouts, are
// returned in CallResult.Err; Dispatch itself never panics because of a handler.
func (d *Dispatcher) Dispatch(ctx context.Context, req CallRequest, negotiated bool) CallResult {
	switch req.Method {
	case MethodInitialize:
		return d.initialize(req)
	case MethodPing:
		return d.success(req.ID, struct{}{})
	case MethodToolsList:
		if !negotiated {
			return d.failure(req.ID, fmt.Errorf("%w: call initialize before %s", ErrNotInitialized, req.Method), nil)
		}
		return d.listTools(req)
	case MethodToolsCall:
		if !negotiated {
			return d.failure(req.ID, fmt.Errorf("%w: call initialize before %s", ErrNotInitialized, req.Method), nil)
		}
		return d.callTool(ctx, req)
	default:
		return d.failure(req.ID, fmt.Errorf("%w: %q", ErrMethodNotFound, req.Method), nil)
	}
}

// Message encodes the result as a JSON-RPC response.
func (r CallResult) Message() JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      r.ID,
		Result:  r.Result,
		Error:   r.Err,
	}
}

// ResultFromMessage decodes a JSON-RPC response into a CallResult.
func ResultFromMessage(msg JSONRPCMessage) CallResult {
	return CallResult{
		ID:     msg.ID,
		Result: msg.Result,
		Err:    msg.Error,
	}
}

// Decode unmarshals the successful result into v, or returns Err when the call failed.
func (r CallResult) Decode(v any) error {
	if r.Err != nil {
		return *r.Err
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (d *Dispatcher) initialize(req CallRequest) CallResult {
	var params initializeParams
	if !isNull(req.Params) {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return d.failure(req.ID, ValidationError{Field: "params", Reason: err.Error()}, nil)
		}
	}

	version := LatestProtocolVersion
	if isSupportedProtocolVersion(params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	d.logger.Info("client initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version),
		slog.String("requestedVersion", params.ProtocolVersion),
		slog.String("protocolVersion", version),
	)

	return d.success(req.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo:   d.info,
		Instructions: d.instructions,
	})
}

func (d *Dispatcher) listTools(req CallRequest) CallResult {
	res := ListToolsResult{
		Tools: make([]ToolDescriptor, 0),
	}
	for desc := range d.registry.List() {
		res.Tools = append(res.Tools, desc)
	}
	return d.success(req.ID, res)
}

func (d *Dispatcher) callTool(ctx context.Context, req CallRequest) CallResult {
	if req.ToolName == "" {
		return d.failure(req.ID, ValidationError{Field: "name", Reason: "tool name is required"}, nil)
	}

	handler, desc, err := d.registry.Lookup(req.ToolName)
	if err != nil {
		return d.failure(req.ID, err, map[string]any{"available": d.registry.Names()})
	}

	args, err := decodeArguments(req.Arguments)
	if err != nil {
		return d.failure(req.ID, err, nil)
	}
	if err := desc.InputSchema.Validate(args); err != nil {
		return d.failure(req.ID, err, nil)
	}

	start := time.Now()
	payload, callErr := d.invoke(ctx, desc.Name, handler, args)
	logger := d.logger.With(
		slog.String("tool", desc.Name),
		slog.String("requestID", req.ID.String()),
		slog.Duration("elapsed", time.Since(start)),
	)
	if callErr != nil {
		logger.Warn("tool call failed", slog.String("err", callErr.Error()))
		return CallResult{ID: req.ID, Err: callErr}
	}
	logger.Debug("tool call succeeded")

	if payload == nil {
		payload = map[string]any{}
	}
	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return d.failure(req.ID, fmt.Errorf("%w: failed to encode result of %q: %w", ErrInternal, desc.Name, err), nil)
	}

	return d.success(req.ID, CallToolResult{
		Content: []Content{
			{Type: ContentTypeText, Text: string(text)},
		},
		StructuredContent: payload,
	})
}

// invoke runs handler in its own goroutine so that a panic or an overrun of the call timeout
// turns into an error instead of taking the session down.
func (d *Dispatcher) invoke(
	ctx context.Context,
	name string,
	handler ToolHandler,
	args map[string]any,
) (map[string]any, *JSONRPCError) {
	type outcome struct {
		payload map[string]any
		err     error
	}

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	// Buffered so an abandoned handler can still deliver and exit.
	outcomes := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool handler panicked",
					slog.String("tool", name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				outcomes <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		payload, err := handler(callCtx, args)
		outcomes <- outcome{payload: payload, err: err}
	}()

	var err error
	select {
	case o := <-outcomes:
		if o.err == nil {
			return o.payload, nil
		}
		err = o.err
	case <-callCtx.Done():
		err = callCtx.Err()
	}

	data := map[string]any{"tool": name}
	if errors.Is(err, context.DeadlineExceeded) {
		data["timeout"] = true
		err = fmt.Errorf("timed out after %s", d.callTimeout)
	}
	return nil, &JSONRPCError{
		Code:    CodeHandlerExecution,
		Message: fmt.Sprintf("%s: %s: %s", ErrHandlerExecution, name, err),
		Data:    data,
	}
}

func (d *Dispatcher) success(id RequestID, result any) CallResult {
	bs, err := json.Marshal(result)
	if err != nil {
		return d.failure(id, fmt.Errorf("%w: failed to encode result: %w", ErrInternal, err), nil)
	}
	return CallResult{ID: id, Result: bs}
}

func (d *Dispatcher) failure(id RequestID, err error, data map[string]any) CallResult {
	return CallResult{ID: id, Err: newJSONRPCError(err, data)}
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if isNull(raw) {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, ValidationError{Field: "arguments", Reason: "must be an object"}
	}
	return args, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
