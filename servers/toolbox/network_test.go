package toolbox

import (
	"context"
	"net"
	"strconv"
	"testing"
)

func TestIsPortOpen(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	res, err := isPortOpen(context.Background(), map[string]any{"host": "127.0.0.1", "port": float64(port)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res["open"] != true {
		t.Errorf("expected port %d to be open, got %v", port, res)
	}
}

func TestIsPortOpenClosedPort(t *testing.T) {
	// Grab a free port, then release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()
	port, _ := strconv.Atoi(portStr)

	res, err := isPortOpen(context.Background(), map[string]any{"host": "127.0.0.1", "port": float64(port)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res["open"] != false {
		t.Errorf("expected port %d to be closed, got %v", port, res)
	}
}

func TestIsPortOpenRange(t *testing.T) {
	for _, port := range []float64{0, 65536} {
		if _, err := isPortOpen(context.Background(), map[string]any{"host": "localhost", "port": port}); err == nil {
			t.Errorf("expected error for port %v", port)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url    string
		valid  bool
		reason string
	}{
		{url: "https://example.com/path", valid: true},
		{url: "ftp://files.example.com", valid: true},
		{url: "http://localhost:8080", valid: true},
		{url: "not a url", reason: "URL contains whitespace characters"},
		{url: "https://exa\tmple.com", reason: "URL contains whitespace characters"},
		{url: "example.com", reason: "Missing protocol (http:// or https://)"},
		{url: "mailto:someone@example.com", reason: "Missing domain name"},
		{url: "http:///path", reason: "Missing domain name"},
	}

	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			res, err := validateURL(context.Background(), map[string]any{"url": tc.url})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res["valid"] != tc.valid {
				t.Errorf("expected valid=%v, got %v", tc.valid, res)
			}
			if tc.reason != "" && res["reason"] != tc.reason {
				t.Errorf("expected reason %q, got %q", tc.reason, res["reason"])
			}
		})
	}
}

func TestValidateURLParseError(t *testing.T) {
	res, err := validateURL(context.Background(), map[string]any{"url": "http://[::1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reason, _ := res["reason"].(string)
	if res["valid"] != false || len(reason) < len("URL parsing error") || reason[:len("URL parsing error")] != "URL parsing error" {
		t.Errorf("expected parsing error verdict, got %v", res)
	}
}
