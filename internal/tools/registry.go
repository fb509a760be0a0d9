package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrNotFound is returned when executing a tool that is not registered.
	ErrNotFound = errors.New("tool not found")
	// ErrAlreadyExists is returned when registering a name twice.
	ErrAlreadyExists = errors.New("tool already registered")
	// ErrEmptyName is returned when registering a tool without a name.
	ErrEmptyName = errors.New("tool name is empty")
	// ErrInvalidArguments is returned when arguments do not match the
	// tool's parameter schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Handler is the function signature for tool implementations.
// Handlers receive the request context and JSON-encoded arguments from the
// LLM; the arguments have already been validated against the schema.
type Handler func(ctx context.Context, args json.RawMessage) (Result, error)

// Result is the tool execution output that feeds back into the next LLM turn.
// IsError signals to the LLM that the tool invocation failed.
type Result struct {
	Content string
	IsError bool
}

// Definition describes a tool to the model.  Parameters is a JSON schema
// for the arguments object.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

type entry struct {
	def     Definition
	schema  *gojsonschema.Schema
	handler Handler
}

// Registry holds the tools one agent may call.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool.  The parameter schema is compiled up front so a
// broken schema fails at startup rather than on the first call.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return ErrEmptyName
	}
	if len(def.Parameters) == 0 {
		def.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.Parameters))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, def.Name)
	}
	r.entries[def.Name] = entry{def: def, schema: schema, handler: handler}
	r.order = append(r.order, def.Name)
	return nil
}

// Definitions returns all tools in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].def)
	}
	return out
}

// Execute validates args and dispatches to the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (Result, error) {
	r.mu.RLock()
	e, exists := r.entries[name]
	r.mu.RUnlock()

	if !exists {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage(`{}`)
	}

	res, err := e.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, re := range res.Errors() {
			msgs = append(msgs, re.String())
		}
		return Result{}, fmt.Errorf("%w: %s: %s", ErrInvalidArguments, name, strings.Join(msgs, "; "))
	}

	result, err := e.handler(ctx, args)
	if err != nil {
		return Result{}, fmt.Errorf("tool %s execution failed: %w", name, err)
	}
	return result, nil
}

type userKey struct{}

// WithUserID returns a context carrying the id of the user the agent is
// acting for.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserIDFromContext returns the user id set by WithUserID.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

var errNoUser = errors.New("no user in context")

func requireUser(ctx context.Context) (string, error) {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return "", errNoUser
	}
	return id, nil
}

func jsonResult(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: string(b)}, nil
}

func errorResult(format string, args ...any) Result {
	return Result{Content: fmt.Sprintf(format, args...), IsError: true}
}
