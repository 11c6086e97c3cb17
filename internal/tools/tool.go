// Package tools provides the built-in tool implementations behind
// tool-call steps and a registry that routes invocations to them.
// External MCP servers can contribute additional tools through the
// ProviderManager; their tools appear under a provider prefix
// (e.g. "github.create_issue").
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/schema"
)

// Tool is a named capability a tool-call step can invoke.
type Tool interface {
	Name() string
	Describe() Descriptor
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Descriptor summarizes a tool's contract.
type Descriptor struct {
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Info is a registry listing entry.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe tool lookup table. It satisfies the
// engine's ToolInvoker contract.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names conflict.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool is nil")
	}
	name := t.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not registered", name)
	}
	return t, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns info for all registered tools, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		d := t.Describe()
		infos = append(infos, Info{Name: t.Name(), Description: d.Description})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// RegisterPrefixed bulk-registers tools under "prefix.name". Used by
// providers so external tool names cannot shadow builtins.
func (r *Registry) RegisterPrefixed(prefix string, ts []Tool) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "provider prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, t := range ts {
		name := fmt.Sprintf("%s.%s", prefix, t.Name())
		if _, exists := r.tools[name]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "provider tool %q already registered", name)
		}
		r.tools[name] = &renamedTool{inner: t, name: name}
		registered++
	}
	return registered, nil
}

// UnregisterPrefix removes every tool under "prefix." and returns the
// count removed.
func (r *Registry) UnregisterPrefix(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name := range r.tools {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix && name[len(prefix)] == '.' {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// InvokeTool routes a tool-call step invocation to the named tool.
func (r *Registry) InvokeTool(ctx context.Context, name string, args map[string]any) (any, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	out, err := t.Invoke(ctx, args)
	if err != nil {
		var engineErr *schema.EngineError
		if errors.As(err, &engineErr) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator, "tool %q failed", name).WithCause(err)
	}
	return out, nil
}

type renamedTool struct {
	inner Tool
	name  string
}

func (t *renamedTool) Name() string         { return t.name }
func (t *renamedTool) Describe() Descriptor { return t.inner.Describe() }

func (t *renamedTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.inner.Invoke(ctx, args)
}

// --- arg helpers shared by the builtin tools ---

func stringArg(m map[string]any, key, def string) string {
	v, ok := m[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

func boolArg(m map[string]any, key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func intArg(m map[string]any, key string, def int) int {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return def
		}
		return int(i)
	default:
		return def
	}
}
