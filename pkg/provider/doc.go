// Package provider abstracts chat-completion backends behind a single
// CompletionProvider interface, with concrete Anthropic and OpenAI
// implementations.
//
// Invariants:
// - Provider failures carry their HTTP status so the retry layer can
//   classify them without importing SDK types.
// - Message conversion never drops tool calls or tool results.
//
// Usage:
//
//	p, _ := provider.New(provider.Config{Kind: "anthropic", APIKey: key, Model: "claude-sonnet-4-5"})
//	resp, err := p.Chat(ctx, messages, tools)
//	_ = resp
//	_ = err
package provider
