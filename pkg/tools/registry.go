// Package tools runs the client tools the remote agent asks for.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harunnryd/duplex/pkg/errorsx"
	"github.com/harunnryd/duplex/pkg/protocol"
)

var (
	ErrToolTimeout  = errors.New("tool timeout")
	ErrToolNotFound = errors.New("tool not found")
	ErrClosed       = errors.New("dispatcher closed")
)

// Handler performs one tool call. A returned error is reported to the
// remote as an error result; handlers that want to report a friendly
// failure return a result with status "error" and a nil error.
type Handler func(ctx context.Context, params map[string]any) (protocol.ToolResult, error)

type Tool struct {
	Name        string
	Description string
	Handler     Handler
}

// Registry resolves tool names. HandleTool returns ErrToolNotFound for
// names it does not know.
type Registry interface {
	Tools() []Tool
	HandleTool(ctx context.Context, name string, params map[string]any) (protocol.ToolResult, error)
}

// MapRegistry is an in-memory Registry.
type MapRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *MapRegistry {
	r := &MapRegistry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *MapRegistry) Register(t Tool) {
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
}

func (r *MapRegistry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *MapRegistry) HandleTool(ctx context.Context, name string, params map[string]any) (protocol.ToolResult, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok || t.Handler == nil {
		return nil, errorsx.Wrap(fmt.Errorf("%w: %q", ErrToolNotFound, name), errorsx.ReasonToolNotFound)
	}
	return t.Handler(ctx, params)
}

// NotFound is the result reported for an unknown tool name.
func NotFound(name string) protocol.ToolResult {
	return protocol.ErrorResult(fmt.Sprintf("Tool '%s' not found", name))
}

// IsError reports whether r should be flagged as an error to the remote.
// A missing result is an error.
func IsError(r protocol.ToolResult) bool {
	return r == nil || r.IsError()
}

// StringParam reads a string parameter, trimming whitespace.
func StringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return strings.TrimSpace(v)
}
