// Package tool defines the tool-invocation surface of the runtime and a
// registry implementation with JSON-Schema parameter validation.
//
// Invariants:
// - Execute never panics outward; expected failures land in Result.Error.
// - Parameter validation failures are isolated to the offending call.
//
// Usage:
//
//	reg := tool.NewRegistry(logger)
//	_ = reg.Register(tool.Definition{Name: "echo", Handler: echoHandler})
//	result := reg.Execute(ctx, "echo", params, tool.Context{UserID: "u1", SessionID: "s1"})
//	_ = result
package tool
