package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mnemo-ai/mnemo/pkg/provider"
	"github.com/mnemo-ai/mnemo/pkg/retry"
	"github.com/mnemo-ai/mnemo/pkg/store"
	"github.com/mnemo-ai/mnemo/pkg/tool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRuntime_CreatesSession(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, err := NewRuntime(ctx, RuntimeConfig{
		Store:    s,
		Provider: replyWith("hi"),
	}, "sess-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, StateReady, r.State())
	assert.Equal(t, "sess-1", r.SessionID())
	assert.Equal(t, "user-1", r.UserID())

	session, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", session.UserID)
}

func TestNewRuntime_FoldsTopMemoriesIntoSystemPrompt(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.AddMemory(ctx, fmt.Sprintf("fact number %d", i), store.UserScope("user-1"), float64(i), nil)
		require.NoError(t, err)
	}

	p := replyWith("ok")
	r, err := NewRuntime(ctx, RuntimeConfig{Store: s, Provider: p}, "sess-1", "user-1")
	require.NoError(t, err)

	_, err = r.ProcessTurn(ctx, "hello")
	require.NoError(t, err)

	prompt := p.lastSystemPrompt()
	assert.Contains(t, prompt, "Known context about the user:")
	for i := 1; i < 6; i++ {
		assert.Contains(t, prompt, fmt.Sprintf("fact number %d", i))
	}
	// only the top five make it; the least important fact is left out
	assert.NotContains(t, prompt, "fact number 0")
}

func TestNewRuntime_RejectsExistingSessionOfAnotherUser(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "sess-1", "alice", nil)
	require.NoError(t, err)

	_, err = NewRuntime(ctx, RuntimeConfig{Store: s, Provider: replyWith("ok")}, "sess-1", "bob")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrAlreadyExists)
}

func TestNewRuntime_ExistingSessionSkipsContextReload(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "sess-1", "user-1", nil)
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, "the user likes tea", store.UserScope("user-1"), 1.0, nil)
	require.NoError(t, err)

	p := replyWith("ok")
	r, err := NewRuntime(ctx, RuntimeConfig{Store: s, Provider: p}, "sess-1", "user-1")
	require.NoError(t, err)

	_, err = r.ProcessTurn(ctx, "hello")
	require.NoError(t, err)
	assert.NotContains(t, p.lastSystemPrompt(), "Known context about the user:")
}

func TestProcessTurn_PersistsBothMessages(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, err := NewRuntime(ctx, RuntimeConfig{Store: s, Provider: replyWith("hello there")}, "sess-1", "user-1")
	require.NoError(t, err)

	result, err := r.ProcessTurn(ctx, "hi, how are you doing today?")
	require.NoError(t, err)
	assert.Equal(t, "hello there", result.Content)
	assert.Equal(t, "sess-1", result.SessionID)
	assert.False(t, result.Timestamp.IsZero())

	messages, err := s.ListMessages(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, "hi, how are you doing today?", messages[0].Content)
	assert.Equal(t, store.RoleAssistant, messages[1].Role)
	assert.Equal(t, "hello there", messages[1].Content)
}

func TestProcessTurn_FatalProviderErrorLeavesNoAssistantMessage(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := newProviderFunc(func(messages []provider.ChatMessage, tools []provider.ToolSpec) (*provider.ChatResponse, error) {
		return nil, &provider.Error{Provider: "fake", Status: 401, Err: errors.New("invalid api key")}
	})
	r, err := NewRuntime(ctx, RuntimeConfig{Store: s, Provider: p}, "sess-1", "user-1")
	require.NoError(t, err)

	_, err = r.ProcessTurn(ctx, "hello out there")
	require.Error(t, err)
	assert.Equal(t, 1, p.callCount(), "auth failures must not be retried")

	messages, err := s.ListMessages(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, store.RoleUser, messages[0].Role)
	assert.Equal(t, StateReady, r.State())
}

func TestProcessTurn_RetriesTransientProviderError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	attempts := 0
	p := newProviderFunc(func(messages []provider.ChatMessage, tools []provider.ToolSpec) (*provider.ChatResponse, error) {
		attempts++
		if attempts < 3 {
			return nil, &provider.Error{Provider: "fake", Status: 503, Err: errors.New("overloaded")}
		}
		return &provider.ChatResponse{Content: "finally"}, nil
	})

	r, err := NewRuntime(ctx, RuntimeConfig{
		Store:    s,
		Provider: p,
		Retry: retry.Policy{
			MaxAttempts:       3,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}, "sess-1", "user-1")
	require.NoError(t, err)

	result, err := r.ProcessTurn(ctx, "are you there?")
	require.NoError(t, err)
	assert.Equal(t, "finally", result.Content)
	assert.Equal(t, 3, p.callCount())
}

func toolDispatchRuntime(t *testing.T, s *store.Store, p provider.CompletionProvider) *Runtime {
	t.Helper()
	tools := tool.NewRegistry(zerolog.Nop())
	require.NoError(t, tools.Register(tool.Definition{
		Name:        "lookup",
		Description: "Looks things up",
		Handler: func(ctx context.Context, params map[string]interface{}, tc tool.Context) (interface{}, error) {
			return "found it", nil
		},
	}))
	require.NoError(t, tools.Register(tool.Definition{
		Name:        "flaky",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}, tc tool.Context) (interface{}, error) {
			return nil, errors.New("backend unavailable")
		},
	}))

	r, err := NewRuntime(context.Background(), RuntimeConfig{Store: s, Provider: p, Tools: tools}, "sess-1", "user-1")
	require.NoError(t, err)
	return r
}

func TestProcessTurn_ToolFailureDoesNotAbortTheTurn(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := newProviderFunc(func(messages []provider.ChatMessage, tools []provider.ToolSpec) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{
			Content: "Let me check.",
			ToolCalls: []provider.ToolCall{
				{ID: "c1", Name: "lookup", Parameters: map[string]interface{}{}},
				{ID: "c2", Name: "flaky", Parameters: map[string]interface{}{}},
			},
		}, nil
	})
	r := toolDispatchRuntime(t, s, p)

	result, err := r.ProcessTurn(ctx, "look this up for me please")
	require.NoError(t, err)
	assert.Contains(t, result.Content, "Let me check.")
	assert.Contains(t, result.Content, toolSummaryHeading)
	assert.Contains(t, result.Content, "- lookup: found it")
	assert.Contains(t, result.Content, "- flaky failed: backend unavailable")

	records, err := s.ListToolInvocations(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "lookup", records[0].ToolName)
	assert.True(t, records[0].Success)
	assert.Equal(t, "flaky", records[1].ToolName)
	assert.False(t, records[1].Success)
	failure, ok := records[1].Result.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, failure["error"])
}

func TestProcessTurn_ToolOnlyReplyGetsLeadIn(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := newProviderFunc(func(messages []provider.ChatMessage, tools []provider.ToolSpec) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{
			ToolCalls: []provider.ToolCall{
				{ID: "c1", Name: "lookup", Parameters: map[string]interface{}{}},
			},
		}, nil
	})
	r := toolDispatchRuntime(t, s, p)

	result, err := r.ProcessTurn(ctx, "run the lookup tool")
	require.NoError(t, err)
	assert.True(t, len(result.Content) > 0)
	assert.Contains(t, result.Content, toolLeadIn)
	assert.Contains(t, result.Content, "- lookup: found it")
}

// panicToolSet exercises the runtime's own containment, bypassing the
// registry's.
type panicToolSet struct{}

func (panicToolSet) List() []tool.Definition { return nil }

func (panicToolSet) Execute(ctx context.Context, name string, params map[string]interface{}, tc tool.Context) tool.Result {
	panic("invoker bug")
}

func TestProcessTurn_ToolPanicIsContained(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := newProviderFunc(func(messages []provider.ChatMessage, tools []provider.ToolSpec) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{
			Content:   "Running it.",
			ToolCalls: []provider.ToolCall{{ID: "c1", Name: "boom", Parameters: map[string]interface{}{}}},
		}, nil
	})
	r, err := NewRuntime(ctx, RuntimeConfig{Store: s, Provider: p, Tools: panicToolSet{}}, "sess-1", "user-1")
	require.NoError(t, err)

	result, err := r.ProcessTurn(ctx, "please run the boom tool")
	require.NoError(t, err)
	assert.Contains(t, result.Content, "boom failed:")
	assert.Contains(t, result.Content, "panicked")
}

func TestProcessTurn_ClosedRuntimeRejectsTurns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, err := NewRuntime(ctx, RuntimeConfig{Store: s, Provider: replyWith("ok")}, "sess-1", "user-1")
	require.NoError(t, err)

	r.Close()
	assert.Equal(t, StateClosed, r.State())

	_, err = r.ProcessTurn(ctx, "anyone home?")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClearHistory_RefreshesKnownContext(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	p := replyWith("ok")
	r, err := NewRuntime(ctx, RuntimeConfig{Store: s, Provider: p}, "sess-1", "user-1")
	require.NoError(t, err)

	_, err = r.ProcessTurn(ctx, "remember this conversation")
	require.NoError(t, err)

	// a fact learned after the runtime came up
	_, err = s.AddMemory(ctx, "the user prefers short answers", store.UserScope("user-1"), 1.0, nil)
	require.NoError(t, err)

	require.NoError(t, r.ClearHistory(ctx))

	messages, err := s.ListMessages(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Empty(t, messages)

	_, err = r.ProcessTurn(ctx, "what do you know about me?")
	require.NoError(t, err)
	assert.Contains(t, p.lastSystemPrompt(), "the user prefers short answers")
}

func TestAnnotations_TypedSlots(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r, err := NewRuntime(ctx, RuntimeConfig{Store: s, Provider: replyWith("ok")}, "sess-1", "user-1")
	require.NoError(t, err)

	countKey := NewKey[int]("turn_count")
	nameKey := NewKey[string]("display_name")

	_, ok := Get(r.Annotations(), countKey)
	assert.False(t, ok)

	Set(r.Annotations(), countKey, 3)
	Set(r.Annotations(), nameKey, "Li")

	count, ok := Get(r.Annotations(), countKey)
	assert.True(t, ok)
	assert.Equal(t, 3, count)

	name, ok := Get(r.Annotations(), nameKey)
	assert.True(t, ok)
	assert.Equal(t, "Li", name)

	Delete(r.Annotations(), countKey)
	_, ok = Get(r.Annotations(), countKey)
	assert.False(t, ok)
}
