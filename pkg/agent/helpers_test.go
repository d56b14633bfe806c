package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mnemo-ai/mnemo/pkg/provider"
	"github.com/mnemo-ai/mnemo/pkg/store"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// providerFunc adapts a function to CompletionProvider and records every
// message sequence it was called with.
type providerFunc struct {
	mu    sync.Mutex
	calls [][]provider.ChatMessage
	fn    func(messages []provider.ChatMessage, tools []provider.ToolSpec) (*provider.ChatResponse, error)
}

func newProviderFunc(fn func(messages []provider.ChatMessage, tools []provider.ToolSpec) (*provider.ChatResponse, error)) *providerFunc {
	return &providerFunc{fn: fn}
}

// replyWith returns a provider that always answers with the given text
func replyWith(content string) *providerFunc {
	return newProviderFunc(func(messages []provider.ChatMessage, tools []provider.ToolSpec) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: content}, nil
	})
}

func (f *providerFunc) Name() string { return "fake" }

func (f *providerFunc) Chat(ctx context.Context, messages []provider.ChatMessage, tools []provider.ToolSpec) (*provider.ChatResponse, error) {
	f.mu.Lock()
	copied := make([]provider.ChatMessage, len(messages))
	copy(copied, messages)
	f.calls = append(f.calls, copied)
	f.mu.Unlock()
	return f.fn(messages, tools)
}

func (f *providerFunc) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// lastSystemPrompt returns the system message of the most recent call
func (f *providerFunc) lastSystemPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	for _, msg := range f.calls[len(f.calls)-1] {
		if msg.Role == "system" {
			return msg.Content
		}
	}
	return ""
}
