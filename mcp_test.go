package mcp_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/mcp-toolbox"
)

// testTools holds the handlers registered by newTestRegistry and what they observed.
type testTools struct {
	counted atomic.Int64

	slowStarted     chan struct{}
	slowStartedOnce sync.Once
	slowFinished    chan struct{}
	slowFinishOnce  sync.Once
}

func newTestRegistry() (*mcp.Registry, *testTools) {
	tt := &testTools{
		slowStarted:  make(chan struct{}),
		slowFinished: make(chan struct{}),
	}
	reg := mcp.NewRegistry()

	reg.MustRegister(mcp.ToolDescriptor{
		Name:        "echo",
		Description: "Returns its text argument.",
		InputSchema: mcp.InputSchema{Properties: []mcp.Property{
			{Name: "text", Type: mcp.PropertyTypeString, Required: true},
		}},
	}, func(_ context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"text": args["text"]}, nil
	})

	reg.MustRegister(mcp.ToolDescriptor{
		Name:        "count",
		Description: "Counts its invocations.",
		InputSchema: mcp.InputSchema{Properties: []mcp.Property{
			{Name: "label", Type: mcp.PropertyTypeString, Required: true},
		}},
	}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"count": tt.counted.Add(1)}, nil
	})

	reg.MustRegister(mcp.ToolDescriptor{
		Name:        "slow",
		Description: "Sleeps for ms milliseconds.",
		InputSchema: mcp.InputSchema{Properties: []mcp.Property{
			{Name: "ms", Type: mcp.PropertyTypeInteger, Required: true, Minimum: mcp.Bound(0)},
		}},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		tt.slowStartedOnce.Do(func() { close(tt.slowStarted) })
		ms := args["ms"].(float64)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		tt.slowFinishOnce.Do(func() { close(tt.slowFinished) })
		return map[string]any{"slept": ms}, nil
	})

	reg.MustRegister(mcp.ToolDescriptor{
		Name:        "fail",
		Description: "Always fails.",
	}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	})

	reg.MustRegister(mcp.ToolDescriptor{
		Name:        "panic",
		Description: "Always panics.",
	}, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		panic("handler exploded")
	})

	return reg, tt
}

// logBuffer collects log output from concurrent goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestDispatcher(options ...mcp.DispatcherOption) (*mcp.Dispatcher, *testTools) {
	reg, tt := newTestRegistry()
	d := mcp.NewDispatcher(mcp.Info{Name: "test-server", Version: "1.0"}, reg, options...)
	return d, tt
}

func toolsCallParams(name string, args string) string {
	if args == "" {
		return fmt.Sprintf(`{"name":%q}`, name)
	}
	return fmt.Sprintf(`{"name":%q,"arguments":%s}`, name, args)
}
