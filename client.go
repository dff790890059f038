package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is a minimal MCP client for tool servers. It performs the initialize handshake and
// exposes tools/list, tools/call and ping. Responses are matched to requests by id, so calls
// may be issued concurrently and answered in any order.
//
// Instances should be created with NewClient, connected with Connect and released with Close.
type Client struct {
	info      Info
	transport ClientTransport
	logger    *slog.Logger

	requestTimeout time.Duration

	session         Session
	serverInfo      Info
	protocolVersion string
	instructions    string

	mu      sync.Mutex
	pending map[RequestID]chan JSONRPCMessage

	listenClosed chan struct{}
}

// ClientOption represents the options for the client.
type ClientOption func(*Client)

var defaultClientRequestTimeout = 60 * time.Second

// NewClient creates a client that identifies itself with info.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:         info,
		transport:    transport,
		logger:       slog.Default(),
		pending:      make(map[RequestID]chan JSONRPCMessage),
		listenClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultClientRequestTimeout
	}
	return c
}

// WithClientRequestTimeout bounds how long a request waits for its response.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "mcp-toolbox"),
			slog.String("component", "client"),
		)
	}
}

// Connect starts a session and performs the initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.session = sess

	go c.listen()

	params := initializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      c.info,
	}
	res, err := c.request(ctx, MethodInitialize, params)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	var result initializeResult
	if err := res.Decode(&result); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if result.Capabilities.Tools == nil {
		return errors.New("server does not support tools")
	}
	c.serverInfo = result.ServerInfo
	c.protocolVersion = result.ProtocolVersion
	c.instructions = result.Instructions

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return fmt.Errorf("failed to confirm initialization: %w", err)
	}
	return nil
}

// ServerInfo returns the server's identity, available after Connect.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ProtocolVersion returns the protocol version the server agreed to.
func (c *Client) ProtocolVersion() string {
	return c.protocolVersion
}

// Instructions returns the server's usage instructions, if any.
func (c *Client) Instructions() string {
	return c.instructions
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.request(ctx, MethodPing, nil)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return *res.Err
	}
	return nil
}

// ListTools retrieves the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	res, err := c.request(ctx, MethodToolsList, ListToolsParams{})
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := res.Decode(&result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes the named tool. A failed call returns a JSONRPCError, which can be matched
// with errors.Is against the package's sentinel errors.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}{
		Name:      name,
		Arguments: args,
	}
	res, err := c.request(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}
	var result CallToolResult
	if err := res.Decode(&result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// Close stops the session and waits for the receive loop to end.
func (c *Client) Close() {
	if c.session == nil {
		return
	}
	c.session.Stop()
	<-c.listenClosed
}

func (c *Client) request(ctx context.Context, method string, params any) (CallResult, error) {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return CallResult{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	id := StringID(uuid.New().String())
	results := make(chan JSONRPCMessage, 1)

	c.mu.Lock()
	c.pending[id] = results
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	if err := c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return CallResult{}, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	select {
	case msg := <-results:
		return ResultFromMessage(msg), nil
	case <-c.listenClosed:
		// The response may have arrived just before the stream ended.
		select {
		case msg := <-results:
			return ResultFromMessage(msg), nil
		default:
		}
		return CallResult{}, errors.New("connection closed")
	case <-ctx.Done():
		// Let the server know nobody waits for this result anymore.
		nCtx, nCancel := context.WithTimeout(context.Background(), time.Second)
		defer nCancel()
		if err := c.notify(nCtx, methodNotificationsCancelled, notificationsCancelledParams{
			RequestID: id,
			Reason:    ctx.Err().Error(),
		}); err != nil {
			c.logger.Warn("failed to send cancel notification", slog.String("err", err.Error()))
		}
		return CallResult{}, fmt.Errorf("%s request: %w", method, ctx.Err())
	}
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}
	return c.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

func (c *Client) listen() {
	defer close(c.listenClosed)

	for msg, err := range c.session.Messages() {
		if err != nil {
			c.logger.Error("failed to read message", slog.String("err", err.Error()))
			continue
		}
		if msg.Method != "" {
			c.logger.Debug("ignoring server message", slog.String("method", msg.Method))
			continue
		}

		c.mu.Lock()
		results, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("received response for unknown request", slog.String("id", msg.ID.String()))
			continue
		}
		select {
		case results <- msg:
		default:
			c.logger.Warn("dropping duplicate response", slog.String("id", msg.ID.String()))
		}
	}
}
