package tool

import "context"

// Context carries the identity of the turn a tool runs inside
type Context struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// Result is the outcome of one tool execution. Expected failure modes
// are reported through Error, never through a panic.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Invoker executes named tools on behalf of a session runtime
type Invoker interface {
	Execute(ctx context.Context, name string, params map[string]interface{}, tc Context) Result
}

// Handler is the function backing a registered tool
type Handler func(ctx context.Context, params map[string]interface{}, tc Context) (interface{}, error)

// Parameter describes one tool parameter
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Definition describes a registered tool
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// ParameterSchema renders the definition's parameters as a JSON-Schema
// object document, the shape completion providers expect.
func (d *Definition) ParameterSchema() map[string]interface{} {
	properties := map[string]interface{}{}
	required := []string{}
	for _, p := range d.Parameters {
		properties[p.Name] = map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
