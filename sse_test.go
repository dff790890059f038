package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp-toolbox"
)

type sseHarness struct {
	server     *mcp.Server
	transport  *mcp.SSEServer
	client     *mcp.SSEClient
	httpServer *httptest.Server
	served     chan error
}

func setupSSE(t *testing.T, d *mcp.Dispatcher, options ...mcp.ServerOption) *sseHarness {
	t.Helper()

	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)

	// A relative message URL; clients resolve it against the stream URL.
	transport := mcp.NewSSEServer("/messages")
	mux.Handle("/sse", transport.HandleSSE())
	mux.Handle("/messages", transport.HandleMessage())

	h := &sseHarness{
		server:     mcp.NewServer(d, transport, options...),
		transport:  transport,
		client:     mcp.NewSSEClient(httpSrv.URL+"/sse", httpSrv.Client()),
		httpServer: httpSrv,
		served:     make(chan error, 1),
	}
	go func() {
		h.served <- h.server.Serve()
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		httpSrv.Close()
	})
	return h
}

func (h *sseHarness) connect(t *testing.T) *mcp.Client {
	t.Helper()

	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, h.client)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(cli.Close)
	return cli
}

func TestSSE_ClientRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher()
	h := setupSSE(t, d)
	cli := h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tools, err := cli.ListTools(ctx)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools) != 5 || tools[0].Name != "echo" {
		t.Errorf("unexpected tools %v", tools)
	}

	res, err := cli.CallTool(ctx, "echo", map[string]any{"text": "over sse"})
	if err != nil {
		t.Fatalf("failed to call echo: %v", err)
	}
	if res.StructuredContent["text"] != "over sse" {
		t.Errorf("unexpected result %+v", res)
	}

	_, err = cli.CallTool(ctx, "echo", map[string]any{})
	var rpcErr mcp.JSONRPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != mcp.CodeInvalidParams || rpcErr.Data["field"] != "text" {
		t.Errorf("expected schema validation error on text, got %v", err)
	}
}

func TestSSE_ConcurrentCalls(t *testing.T) {
	d, _ := newTestDispatcher()
	h := setupSSE(t, d)
	cli := h.connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type outcome struct {
		name string
		res  mcp.CallToolResult
		err  error
	}
	outcomes := make(chan outcome, 4)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := cli.CallTool(ctx, "slow", map[string]any{"ms": 300})
		outcomes <- outcome{name: "slow", res: res, err: err}
	}()

	// Give the slow call a head start so it is submitted first.
	time.Sleep(50 * time.Millisecond)
	for i := range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text := fmt.Sprintf("fast-%d", i)
			res, err := cli.CallTool(ctx, "echo", map[string]any{"text": text})
			if err == nil && res.StructuredContent["text"] != text {
				err = fmt.Errorf("result mismatch: expected %s, got %v", text, res.StructuredContent["text"])
			}
			outcomes <- outcome{name: text, res: res, err: err}
		}()
	}
	wg.Wait()
	close(outcomes)

	var order []string
	for o := range outcomes {
		if o.err != nil {
			t.Errorf("%s failed: %v", o.name, o.err)
		}
		order = append(order, o.name)
	}
	if len(order) != 4 || order[len(order)-1] != "slow" {
		t.Errorf("expected fast calls to complete before the slow one, got %v", order)
	}
}

func TestSSE_MultipleClients(t *testing.T) {
	d, tt := newTestDispatcher()
	started := make(chan string, 3)
	h := setupSSE(t, d, mcp.WithServerOnSessionStarted(func(id string, kind mcp.TransportKind) {
		if kind != mcp.TransportStream {
			t.Errorf("unexpected transport kind %q", kind)
		}
		started <- id
	}))

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, h.client)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cli.Connect(ctx); err != nil {
				t.Errorf("failed to connect: %v", err)
				return
			}
			defer cli.Close()
			if _, err := cli.CallTool(ctx, "count", map[string]any{"label": "x"}); err != nil {
				t.Errorf("failed to call count: %v", err)
			}
		}()
	}
	wg.Wait()

	ids := make(map[string]bool)
	for range 3 {
		select {
		case id := <-started:
			ids[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for session start callbacks")
		}
	}
	if len(ids) != 3 {
		t.Errorf("expected 3 distinct sessions, got %d", len(ids))
	}
	if tt.counted.Load() != 3 {
		t.Errorf("expected 3 counted calls, got %d", tt.counted.Load())
	}
}

func TestSSE_MessageEndpoint(t *testing.T) {
	d, _ := newTestDispatcher()
	h := setupSSE(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := h.client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	post := func(query, body string) *http.Response {
		t.Helper()
		resp, err := h.httpServer.Client().Post(h.httpServer.URL+"/messages"+query, "application/json",
			bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("failed to post: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := post("", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without session id, got %d", resp.StatusCode)
	}
	if resp := post("?sessionID=unknown", `{}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", resp.StatusCode)
	}

	resp := post("?sessionID="+sess.ID(), `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("expected JSON-RPC error body: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != mcp.CodeParseError {
		t.Errorf("expected parse error body, got %+v", msg)
	}

	// A valid message is accepted and answered on the stream.
	if resp := post("?sessionID="+sess.ID(), `{"jsonrpc":"2.0","id":9,"method":"ping"}`); resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	for msg, err := range sess.Messages() {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.ID != mcp.NumberID(9) || msg.Error != nil {
			t.Errorf("unexpected response %+v", msg)
		}
		break
	}
}

func TestSSE_DisconnectDropsResult(t *testing.T) {
	d, tt := newTestDispatcher()
	ended := make(chan string, 1)
	logs := &logBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := setupSSE(t, d,
		mcp.WithServerLogger(logger),
		mcp.WithServerOnSessionEnded(func(id string) {
			ended <- id
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := h.client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	send := func(msg string) {
		var m mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(msg), &m); err != nil {
			t.Fatalf("bad test message: %v", err)
		}
		if err := sess.Send(ctx, m); err != nil {
			t.Fatalf("failed to send: %v", err)
		}
	}
	// Stream requests are dispatched concurrently, so wait for the handshake to complete.
	send(initializeLine)
	for msg, err := range sess.Messages() {
		if err != nil || msg.Error != nil {
			t.Fatalf("initialize failed: %v %+v", err, msg.Error)
		}
		break
	}
	send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":` + toolsCallParams("slow", `{"ms":300}`) + `}`)

	select {
	case <-tt.slowStarted:
	case <-ctx.Done():
		t.Fatal("slow call never started")
	}
	sess.Stop()

	// The session ends only after the in-flight call finished and its result was dropped.
	select {
	case id := <-ended:
		if id != sess.ID() {
			t.Errorf("expected session %s to end, got %s", sess.ID(), id)
		}
	case <-ctx.Done():
		t.Fatal("session did not end after disconnect")
	}
	select {
	case <-tt.slowFinished:
	default:
		t.Error("expected the slow handler to run to completion")
	}
	if !strings.Contains(logs.String(), "dropping result, session is gone") {
		t.Errorf("expected the result to be dropped, logs:\n%s", logs.String())
	}

	// The server keeps serving new sessions.
	cli := h.connect(t)
	if err := cli.Ping(ctx); err != nil {
		t.Errorf("ping after disconnect failed: %v", err)
	}
}

func TestSSE_DuplicateInFlightID(t *testing.T) {
	d, tt := newTestDispatcher()
	h := setupSSE(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := h.client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	send := func(msg string) {
		var m mcp.JSONRPCMessage
		if err := json.Unmarshal([]byte(msg), &m); err != nil {
			t.Fatalf("bad test message: %v", err)
		}
		if err := sess.Send(ctx, m); err != nil {
			t.Fatalf("failed to send: %v", err)
		}
	}
	next := func() mcp.JSONRPCMessage {
		for msg, err := range sess.Messages() {
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			return msg
		}
		t.Fatal("stream ended")
		return mcp.JSONRPCMessage{}
	}

	send(initializeLine)
	if msg := next(); msg.Error != nil {
		t.Fatalf("initialize failed: %+v", msg.Error)
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":` + toolsCallParams("slow", `{"ms":300}`) + `}`)
	select {
	case <-tt.slowStarted:
	case <-ctx.Done():
		t.Fatal("slow call never started")
	}
	send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)

	msg := next()
	if msg.ID != mcp.NumberID(1) || msg.Error == nil || msg.Error.Code != mcp.CodeInvalidRequest {
		t.Fatalf("expected invalid request for reused id, got %+v", msg)
	}
	msg = next()
	if msg.ID != mcp.NumberID(1) || msg.Error != nil {
		t.Fatalf("expected slow call result, got %+v", msg)
	}

	// Once answered, the id may be used again.
	send(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if msg := next(); msg.ID != mcp.NumberID(1) || msg.Error != nil {
		t.Errorf("expected ping response, got %+v", msg)
	}
}

func TestSSE_MessageEndpointRejectsBadBodies(t *testing.T) {
	d, _ := newTestDispatcher()

	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)
	defer httpSrv.Close()

	transport := mcp.NewSSEServer("/messages", mcp.WithSSEServerMaxBodySize(128))
	mux.Handle("/sse", transport.HandleSSE())
	mux.Handle("/messages", transport.HandleMessage())

	srv := mcp.NewServer(d, transport)
	go func() {
		_ = srv.Serve()
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mcp.NewSSEClient(httpSrv.URL+"/sse", httpSrv.Client()).StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer sess.Stop()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   int
		wantID     string
	}{
		{
			name:       "body too large",
			body:       `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", 256) + `"}}`,
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   mcp.CodeInvalidRequest,
			wantID:     `"id":null`,
		},
		{
			name:       "method not a string",
			body:       `{"jsonrpc":"2.0","id":7,"method":5}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   mcp.CodeInvalidRequest,
			wantID:     `"id":7`,
		},
		{
			name:       "not json",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
			wantCode:   mcp.CodeParseError,
			wantID:     `"id":null`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := httpSrv.Client().Post(httpSrv.URL+"/messages?sessionID="+sess.ID(), "application/json",
				strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("failed to post: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, resp.StatusCode)
			}
			var body bytes.Buffer
			if _, err := body.ReadFrom(resp.Body); err != nil {
				t.Fatalf("failed to read body: %v", err)
			}
			if !strings.Contains(body.String(), tc.wantID) {
				t.Errorf("expected %s in %q", tc.wantID, body.String())
			}
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal(body.Bytes(), &msg); err != nil {
				t.Fatalf("expected JSON-RPC error body: %v", err)
			}
			if msg.Error == nil || msg.Error.Code != tc.wantCode {
				t.Errorf("expected code %d, got %+v", tc.wantCode, msg.Error)
			}
		})
	}
}
