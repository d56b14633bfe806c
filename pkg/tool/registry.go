package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Registry is an Invoker backed by an in-process table of tool
// definitions. Parameters are validated against each tool's JSON Schema
// before the handler runs.
type Registry struct {
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewRegistry creates an empty tool registry
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool to the registry
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s has no handler", def.Name)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.ParameterSchema()))
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s is already registered", def.Name)
	}
	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	r.logger.Info().Str("tool", def.Name).Msg("Tool registered")
	return nil
}

// Get returns a tool definition by name, nil if absent
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns the registered definitions sorted by name
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, *def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a tool. Unknown tools, invalid parameters, handler errors
// and handler panics all come back as a failed Result.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}, tc Context) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("tool", name).
				Interface("panic", rec).
				Msg("Tool handler panicked")
			result = Result{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", name, rec)}
		}
	}()

	r.mu.RLock()
	def := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if def == nil {
		return Result{Success: false, Error: fmt.Sprintf("tool not found: %s", name)}
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	validation, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("parameter validation failed: %v", err)}
	}
	if !validation.Valid() {
		msgs := ""
		for _, desc := range validation.Errors() {
			if msgs != "" {
				msgs += "; "
			}
			msgs += desc.String()
		}
		r.logger.Debug().Str("tool", name).Str("errors", msgs).Msg("Invalid tool parameters")
		return Result{Success: false, Error: fmt.Sprintf("invalid parameters: %s", msgs)}
	}

	data, err := def.Handler(ctx, params, tc)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Data: data}
}
