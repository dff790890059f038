package mcp

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
)

// ToolHandler executes a tool. It receives the call's arguments after schema validation and
// returns a flat result object. Handlers must not keep state between calls and must be safe to
// call from many sessions at once. The context is cancelled when the call times out.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Registry maps tool names to their descriptors and handlers. Tools are listed in registration
// order. A Registry is safe for concurrent use; registering while serving is allowed.
type Registry struct {
	mu    sync.RWMutex
	tools []registeredTool
	index map[string]int
}

type registeredTool struct {
	desc    ToolDescriptor
	handler ToolHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[string]int),
	}
}

// Register adds a tool. It returns an error wrapping ErrDuplicateTool when the name is already
// registered.
func (r *Registry) Register(desc ToolDescriptor, handler ToolHandler) error {
	if desc.Name == "" {
		return errors.New("tool name is empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[desc.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, desc.Name)
	}
	r.index[desc.Name] = len(r.tools)
	r.tools = append(r.tools, registeredTool{desc: desc, handler: handler})
	return nil
}

// MustRegister is like Register but panics on error. It is meant for startup code.
func (r *Registry) MustRegister(desc ToolDescriptor, handler ToolHandler) {
	if err := r.Register(desc, handler); err != nil {
		panic(err)
	}
}

// List returns the registered descriptors in registration order. The set is captured when the
// iteration starts, so each range over the returned sequence sees the registry as it was then.
func (r *Registry) List() iter.Seq[ToolDescriptor] {
	return func(yield func(ToolDescriptor) bool) {
		r.mu.RLock()
		snapshot := make([]ToolDescriptor, len(r.tools))
		for i, t := range r.tools {
			snapshot[i] = t.desc
		}
		r.mu.RUnlock()

		for _, desc := range snapshot {
			if !yield(desc) {
				return
			}
		}
	}
}

// Lookup returns the handler and descriptor registered under name. The error wraps
// ErrUnknownTool and lists the valid names.
func (r *Registry) Lookup(name string) (ToolHandler, ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.index[name]
	if !ok {
		return nil, ToolDescriptor{}, fmt.Errorf("%w %q, available tools: %s", ErrUnknownTool, name, r.namesLocked())
	}
	t := r.tools[i]
	return t.handler, t.desc, nil
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.desc.Name
	}
	return names
}

func (r *Registry) namesLocked() string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.desc.Name
	}
	if len(names) == 0 {
		return "(none)"
	}
	return strings.Join(names, ", ")
}
