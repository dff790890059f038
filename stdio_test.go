package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/mcp-toolbox"
)

type stdIOHarness struct {
	in     *io.PipeWriter
	out    *bufio.Reader
	served chan error
}

func startStdIOServer(t *testing.T, d *mcp.Dispatcher) *stdIOHarness {
	t.Helper()

	srvReader, in := io.Pipe()
	outReader, srvWriter := io.Pipe()

	srv := mcp.NewServer(d, mcp.NewStdIO(srvReader, srvWriter))
	h := &stdIOHarness{
		in:     in,
		out:    bufio.NewReader(outReader),
		served: make(chan error, 1),
	}
	go func() {
		h.served <- srv.Serve()
	}()

	t.Cleanup(func() {
		in.Close()
		outReader.Close()
	})
	return h
}

func (h *stdIOHarness) write(t *testing.T, lines ...string) {
	t.Helper()

	// Written asynchronously: the server may answer the first line before reading the rest.
	go func() {
		_, _ = h.in.Write([]byte(strings.Join(lines, "\n") + "\n"))
	}()
}

func (h *stdIOHarness) read(t *testing.T) mcp.JSONRPCMessage {
	t.Helper()

	line := h.readLine(t)
	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		t.Fatalf("response %q is not JSON: %v", line, err)
	}
	return msg
}

func (h *stdIOHarness) readLine(t *testing.T) string {
	t.Helper()

	type result struct {
		line string
		err  error
	}
	results := make(chan result, 1)
	go func() {
		line, err := h.out.ReadString('\n')
		results <- result{line: line, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("failed to read response: %v", r.err)
		}
		return r.line
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	return ""
}

const initializeLine = `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-06-18",` +
	`"capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

func TestStdIOServer_Ordering(t *testing.T) {
	d, _ := newTestDispatcher()
	h := startStdIOServer(t, d)

	h.write(t,
		initializeLine,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":`+toolsCallParams("slow", `{"ms":50}`)+`}`,
		`{"jsonrpc":"2.0","id":"two","method":"tools/call","params":`+toolsCallParams("echo", `{"text":"b"}`)+`}`,
		`{"jsonrpc":"2.0","id":3,"method":"ping"}`,
	)

	wantIDs := []mcp.RequestID{mcp.NumberID(0), mcp.NumberID(1), mcp.StringID("two"), mcp.NumberID(3)}
	for _, want := range wantIDs {
		msg := h.read(t)
		if msg.ID != want {
			t.Fatalf("expected response for id %s, got %s", want, msg.ID)
		}
		if msg.Error != nil {
			t.Errorf("id %s: unexpected error %+v", want, msg.Error)
		}
	}
}

func TestStdIOServer_MalformedInput(t *testing.T) {
	d, _ := newTestDispatcher()
	h := startStdIOServer(t, d)

	h.write(t, `{not json`)
	msg := h.read(t)
	if msg.Error == nil || msg.Error.Code != mcp.CodeParseError {
		t.Fatalf("expected parse error, got %+v", msg)
	}
	if !msg.ID.IsZero() {
		t.Errorf("expected no id on parse error, got %s", msg.ID)
	}

	// The session keeps serving after a bad line.
	h.write(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	if msg := h.read(t); msg.ID != mcp.NumberID(1) || msg.Error != nil {
		t.Errorf("expected ping response, got %+v", msg)
	}

	h.write(t, `{"jsonrpc":"1.0","id":2,"method":"ping"}`)
	if msg := h.read(t); msg.Error == nil || msg.Error.Code != mcp.CodeInvalidRequest {
		t.Errorf("expected invalid request for wrong version, got %+v", msg)
	}

	h.write(t, `{"jsonrpc":"2.0","id":3}`)
	if msg := h.read(t); msg.Error == nil || msg.Error.Code != mcp.CodeInvalidRequest {
		t.Errorf("expected invalid request for missing method, got %+v", msg)
	}
}

func TestStdIOServer_BadEnvelope(t *testing.T) {
	d, _ := newTestDispatcher()
	h := startStdIOServer(t, d)

	tests := []struct {
		name   string
		line   string
		code   int
		wantID string
	}{
		{name: "not json", line: `{not json`, code: mcp.CodeParseError, wantID: `"id":null`},
		{name: "method not a string", line: `{"jsonrpc":"2.0","id":7,"method":5}`, code: mcp.CodeInvalidRequest, wantID: `"id":7`},
		{name: "broken params", line: `{"jsonrpc":"2.0","id":"x","params":[}`, code: mcp.CodeParseError, wantID: `"id":null`},
		{name: "bad id", line: `{"jsonrpc":"2.0","id":true,"method":"ping"}`, code: mcp.CodeInvalidRequest, wantID: `"id":null`},
		{name: "batch", line: `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`, code: mcp.CodeInvalidRequest, wantID: `"id":null`},
		{name: "scalar", line: `42`, code: mcp.CodeInvalidRequest, wantID: `"id":null`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h.write(t, tc.line)
			line := h.readLine(t)
			if !strings.Contains(line, tc.wantID) {
				t.Errorf("expected %s in %q", tc.wantID, line)
			}
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				t.Fatalf("response %q is not JSON: %v", line, err)
			}
			if msg.Error == nil || msg.Error.Code != tc.code {
				t.Errorf("expected code %d, got %+v", tc.code, msg.Error)
			}
		})
	}

	// The loop survives every bad line.
	h.write(t, `{"jsonrpc":"2.0","id":8,"method":"ping"}`)
	if msg := h.read(t); msg.ID != mcp.NumberID(8) || msg.Error != nil {
		t.Errorf("expected ping response, got %+v", msg)
	}
}

func TestStdIOServer_Handshake(t *testing.T) {
	d, tt := newTestDispatcher()
	h := startStdIOServer(t, d)

	h.write(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":`+toolsCallParams("count", `{"label":"x"}`)+`}`)
	if msg := h.read(t); msg.Error == nil || msg.Error.Code != mcp.CodeNotInitialized {
		t.Fatalf("expected not initialized error, got %+v", msg)
	}
	if tt.counted.Load() != 0 {
		t.Fatal("handler ran before initialize")
	}

	// Notifications are never answered; the next response is for the initialize request.
	h.write(t,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		initializeLine,
		`{"jsonrpc":"2.0","method":"tools/call","params":`+toolsCallParams("count", `{"label":"x"}`)+`}`,
	)
	if msg := h.read(t); msg.ID != mcp.NumberID(0) || msg.Error != nil {
		t.Fatalf("expected initialize response, got %+v", msg)
	}

	// A request without an id is answered with a server-assigned one.
	msg := h.read(t)
	if msg.Error != nil || msg.ID.IsZero() {
		t.Fatalf("expected answered id-less call, got %+v", msg)
	}
	if tt.counted.Load() != 1 {
		t.Errorf("expected one counted call, got %d", tt.counted.Load())
	}
}

func TestStdIOServer_EOF(t *testing.T) {
	d, _ := newTestDispatcher()
	h := startStdIOServer(t, d)

	// The last line has no trailing newline and must still be handled.
	go func() {
		_, _ = h.in.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		h.in.Close()
	}()
	if msg := h.read(t); msg.ID != mcp.NumberID(1) {
		t.Fatalf("expected ping response, got %+v", msg)
	}

	select {
	case err := <-h.served:
		if err != nil {
			t.Errorf("expected clean exit, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}

func TestStdIOServer_WriteFailure(t *testing.T) {
	d, _ := newTestDispatcher()

	srvReader, in := io.Pipe()
	outReader, srvWriter := io.Pipe()
	outReader.CloseWithError(errors.New("consumer gone"))

	srv := mcp.NewServer(d, mcp.NewStdIO(srvReader, srvWriter))
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve()
	}()
	go func() {
		_, _ = in.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	}()
	defer in.Close()

	select {
	case err := <-served:
		if err == nil || !strings.Contains(err.Error(), "consumer gone") {
			t.Errorf("expected write failure to be reported, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after a write failure")
	}
}

func TestStdIOClient(t *testing.T) {
	d, _ := newTestDispatcher(mcp.WithInstructions("be nice"))

	srvReader, cliWriter := io.Pipe()
	cliReader, srvWriter := io.Pipe()

	srv := mcp.NewServer(d, mcp.NewStdIO(srvReader, srvWriter))
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve()
	}()

	cli := mcp.NewClient(mcp.Info{Name: "test-client", Version: "1.0"}, mcp.NewStdIO(cliReader, cliWriter))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if cli.ServerInfo().Name != "test-server" || cli.Instructions() != "be nice" {
		t.Errorf("unexpected server identity %+v / %q", cli.ServerInfo(), cli.Instructions())
	}
	if cli.ProtocolVersion() != mcp.LatestProtocolVersion {
		t.Errorf("unexpected protocol version %q", cli.ProtocolVersion())
	}
	if err := cli.Ping(ctx); err != nil {
		t.Errorf("ping failed: %v", err)
	}

	tools, err := cli.ListTools(ctx)
	if err != nil {
		t.Fatalf("failed to list tools: %v", err)
	}
	if len(tools) != 5 {
		t.Errorf("expected 5 tools, got %d", len(tools))
	}

	res, err := cli.CallTool(ctx, "echo", map[string]any{"text": "over stdio"})
	if err != nil {
		t.Fatalf("failed to call echo: %v", err)
	}
	if res.StructuredContent["text"] != "over stdio" {
		t.Errorf("unexpected result %+v", res)
	}

	_, err = cli.CallTool(ctx, "missing", nil)
	if !errors.Is(err, mcp.ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}

	cli.Close()
	cliWriter.Close()

	select {
	case err := <-served:
		if err != nil {
			t.Errorf("unexpected serve error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the client closed")
	}
}

func TestStdIOServer_BlankLines(t *testing.T) {
	d, _ := newTestDispatcher()
	h := startStdIOServer(t, d)

	h.write(t, "", "   ", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, "")
	if msg := h.read(t); msg.ID != mcp.NumberID(1) || msg.Error != nil {
		t.Errorf("expected ping response, got %+v", msg)
	}

	h.write(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	if msg := h.read(t); msg.ID != mcp.NumberID(2) {
		t.Errorf("expected response for id 2, got %+v", msg)
	}
}
