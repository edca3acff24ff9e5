package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/conductorhq/conductor/internal/planner"
)

// ErrUnsupportedTool is returned inside a Result for unknown tool names.
var ErrUnsupportedTool = fmt.Errorf("unsupported tool")

// Call is one tool invocation request.
type Call struct {
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args"`
	SessionID string                 `json:"session_id,omitempty"`
	DryRun    bool                   `json:"dry_run,omitempty"`
}

// Result is the uniform tool response shape.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Marshal returns the JSON encoding of the result for persistence.
func (r Result) Marshal() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{"success":false,"error":"unencodable result"}`)
	}
	return data
}

// Failure builds an error result.
func Failure(format string, args ...interface{}) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Success builds a data result.
func Succeed(data interface{}) Result {
	return Result{Success: true, Data: data}
}

// Tool is one callable external capability.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, call Call) Result
}

// Registry is the uniform invocation surface over registered tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *log.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: log.New(log.Writer(), "[TOOLS] ", log.LstdFlags),
	}
}

// Register adds a tool; duplicate names are rejected rather than silently
// replaced.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool with empty name")
	}
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Catalog enumerates registered tools for the planning prompt, sorted by
// name for a stable prompt.
func (r *Registry) Catalog() []planner.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]planner.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, planner.ToolInfo{Name: t.Name(), Description: t.Description()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch invokes the named tool. Unknown names return a typed unsupported
// result, never an error or a panic.
func (r *Registry) Dispatch(ctx context.Context, call Call) Result {
	r.mu.RLock()
	t, ok := r.tools[call.Tool]
	r.mu.RUnlock()
	if !ok {
		r.logger.Printf("dispatch of unknown tool %q", call.Tool)
		return Result{Success: false, Error: ErrUnsupportedTool.Error()}
	}
	if call.DryRun {
		return Succeed(map[string]interface{}{"dry_run": true, "tool": call.Tool, "args": call.Args})
	}
	return t.Invoke(ctx, call)
}

// StringArg reads a string argument from a call.
func StringArg(call Call, key string) string {
	if call.Args == nil {
		return ""
	}
	v, _ := call.Args[key].(string)
	return v
}
