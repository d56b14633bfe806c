// Package agent runs conversation turns: it persists messages, calls the
// completion provider through the retry layer, dispatches requested tool
// calls, and extracts durable facts in the background.
//
// Invariants:
// - A failed provider call persists no assistant message for the turn.
// - One failing tool call never aborts the turn or its sibling calls.
// - Background fact extraction never blocks or fails a turn.
// - The registry serializes concurrent turns on the same session.
//
// Usage:
//
//	reg, _ := agent.NewRegistry(agent.RegistryConfig{Store: st, Provider: p})
//	result, err := reg.Run(ctx, "user:1", "", "hello")
//	_ = result
//	_ = err
package agent
