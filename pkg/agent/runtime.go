package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mnemo-ai/mnemo/pkg/provider"
	"github.com/mnemo-ai/mnemo/pkg/retry"
	"github.com/mnemo-ai/mnemo/pkg/store"
	"github.com/mnemo-ai/mnemo/pkg/tool"
	"github.com/rs/zerolog"
)

// State is the turn-processing state of a runtime
type State int32

// Runtime states
const (
	StateFresh State = iota
	StateReady
	StateProcessing
	StateToolDispatch
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateToolDispatch:
		return "tool_dispatch"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned for turns on a closed runtime
var ErrClosed = errors.New("runtime is closed")

// memoryTopK is how many of the user's most important facts get folded
// into the system prompt of a fresh session.
const memoryTopK = 5

// toolSummaryHeading marks the tool-outcome block appended to a reply
const toolSummaryHeading = "Tool results:"

// toolLeadIn substitutes for the reply text when the model ran tools but
// produced no prose; the persisted assistant message is never empty.
const toolLeadIn = "I ran the requested tools."

// ToolSet is the tool surface a runtime needs: execution plus enough
// metadata to offer the tools to the model. *tool.Registry satisfies it.
type ToolSet interface {
	tool.Invoker
	List() []tool.Definition
}

// TurnResult is the synchronous outcome of one processed turn
type TurnResult struct {
	Content   string        `json:"content"`
	SessionID string        `json:"session_id"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// RuntimeConfig configures a session runtime
type RuntimeConfig struct {
	Store        *store.Store
	Provider     provider.CompletionProvider
	Tools        ToolSet      // optional
	Extractor    *Extractor   // optional
	Retry        retry.Policy // zero value falls back to retry.DefaultPolicy
	SystemPrompt string
	Logger       zerolog.Logger
}

// Runtime processes turns for one conversation. It does not serialize
// concurrent ProcessTurn calls itself; the Registry holds a per-session
// lock for that.
type Runtime struct {
	sessionID    string
	userID       string
	store        *store.Store
	provider     provider.CompletionProvider
	tools        ToolSet
	extractor    *Extractor
	retryPolicy  retry.Policy
	systemPrompt string
	knownContext atomic.Pointer[string]
	annotations  Annotations
	state        atomic.Int32
	logger       zerolog.Logger
}

// NewRuntime creates the runtime for a session, creating the session
// record when it does not exist yet. A fresh session gets the user's
// top memories folded into its system prompt; an existing session skips
// the reload because its history already carries that context.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, sessionID, userID string) (*Runtime, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a helpful assistant."
	}

	r := &Runtime{
		sessionID:    sessionID,
		userID:       userID,
		store:        cfg.Store,
		provider:     cfg.Provider,
		tools:        cfg.Tools,
		extractor:    cfg.Extractor,
		retryPolicy:  cfg.Retry,
		systemPrompt: cfg.SystemPrompt,
		logger: cfg.Logger.With().
			Str("session_id", sessionID).
			Str("user_id", userID).
			Logger(),
	}
	empty := ""
	r.knownContext.Store(&empty)

	sess, err := cfg.Store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if _, err := cfg.Store.CreateSession(ctx, sessionID, userID, nil); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		if err := r.reloadKnownContext(ctx); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case sess.UserID != userID:
		// session ownership survives restarts; the store row is the
		// source of truth, not the caller's claim
		return nil, fmt.Errorf("session %s belongs to another user: %w", sessionID, store.ErrAlreadyExists)
	}

	r.state.Store(int32(StateReady))
	r.logger.Debug().Msg("Runtime ready")
	return r, nil
}

// SessionID returns the session this runtime serves
func (r *Runtime) SessionID() string {
	return r.sessionID
}

// UserID returns the user this runtime serves
func (r *Runtime) UserID() string {
	return r.userID
}

// State returns the current turn-processing state
func (r *Runtime) State() State {
	return State(r.state.Load())
}

// Annotations returns the runtime's typed scratch slots
func (r *Runtime) Annotations() *Annotations {
	return &r.annotations
}

// Close marks the runtime terminal. In-flight turns finish; new ones fail.
func (r *Runtime) Close() {
	r.state.Store(int32(StateClosed))
}

// reloadKnownContext folds the user's top memories into the system prompt
func (r *Runtime) reloadKnownContext(ctx context.Context) error {
	facts, err := r.store.ListMemoriesByUser(ctx, r.userID, memoryTopK)
	if err != nil {
		return fmt.Errorf("failed to load user memories: %w", err)
	}
	if len(facts) == 0 {
		empty := ""
		r.knownContext.Store(&empty)
		return nil
	}

	var b strings.Builder
	b.WriteString("Known context about the user:\n")
	for _, fact := range facts {
		b.WriteString("- ")
		b.WriteString(fact.Content)
		b.WriteString("\n")
	}
	block := b.String()
	r.knownContext.Store(&block)

	r.logger.Debug().Int("facts", len(facts)).Msg("Known context loaded")
	return nil
}

// ProcessTurn handles one user-message-in, assistant-response-out cycle.
// The result returns before background fact extraction runs.
func (r *Runtime) ProcessTurn(ctx context.Context, userText string) (TurnResult, error) {
	if r.State() == StateClosed {
		return TurnResult{}, ErrClosed
	}
	r.state.Store(int32(StateProcessing))
	defer func() {
		if r.State() != StateClosed {
			r.state.Store(int32(StateReady))
		}
	}()

	start := time.Now()

	if _, err := r.store.AppendMessage(ctx, r.sessionID, store.Message{
		Role:    store.RoleUser,
		Content: userText,
	}); err != nil {
		return TurnResult{}, fmt.Errorf("failed to persist user message: %w", err)
	}

	messages, err := r.buildContext(ctx)
	if err != nil {
		return TurnResult{}, err
	}

	policy := r.retryPolicy
	policy.OnRetry = func(attempt int, err error) {
		r.logger.Warn().Int("attempt", attempt).Err(err).Msg("Retrying completion")
	}

	response, err := retry.Do(ctx, policy, func(ctx context.Context) (*provider.ChatResponse, error) {
		return r.provider.Chat(ctx, messages, r.toolSpecs())
	})
	if err != nil {
		r.logger.Error().Err(err).Msg("Completion failed")
		return TurnResult{}, err
	}

	content := response.Content
	if len(response.ToolCalls) > 0 {
		r.state.Store(int32(StateToolDispatch))
		summary := r.dispatchTools(ctx, response.ToolCalls)
		if content == "" {
			content = toolLeadIn
		}
		content = content + "\n\n" + summary
	}

	r.state.Store(int32(StateResponding))
	assistantMsg, err := r.store.AppendMessage(ctx, r.sessionID, store.Message{
		Role:    store.RoleAssistant,
		Content: content,
	})
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	result := TurnResult{
		Content:   content,
		SessionID: r.sessionID,
		Timestamp: assistantMsg.Timestamp,
		Duration:  time.Since(start),
	}

	if r.extractor != nil {
		r.extractor.Submit(Exchange{
			UserID:        r.userID,
			SessionID:     r.sessionID,
			UserText:      userText,
			AssistantText: content,
		})
	}

	r.logger.Debug().Dur("duration", result.Duration).Msg("Turn completed")
	return result, nil
}

// buildContext assembles the provider message sequence: the system
// prompt (with the known-context block) followed by the full persisted
// history. History is unbounded here; long sessions pay for it in prompt
// size.
func (r *Runtime) buildContext(ctx context.Context) ([]provider.ChatMessage, error) {
	history, err := r.store.ListMessages(ctx, r.sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	systemPrompt := r.systemPrompt
	if block := *r.knownContext.Load(); block != "" {
		systemPrompt = systemPrompt + "\n\n" + block
	}

	messages := make([]provider.ChatMessage, 0, len(history)+1)
	messages = append(messages, provider.ChatMessage{Role: "system", Content: systemPrompt})
	for _, msg := range history {
		messages = append(messages, provider.ChatMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		})
	}
	return messages, nil
}

func (r *Runtime) toolSpecs() []provider.ToolSpec {
	if r.tools == nil {
		return nil
	}
	defs := r.tools.List()
	specs := make([]provider.ToolSpec, 0, len(defs))
	for i := range defs {
		specs = append(specs, provider.ToolSpec{
			Name:            defs[i].Name,
			Description:     defs[i].Description,
			ParameterSchema: defs[i].ParameterSchema(),
		})
	}
	return specs
}

// dispatchTools executes each requested call independently and renders a
// human-readable outcome summary. Every call leaves an audit record,
// succeed or fail, and no failure aborts the others.
func (r *Runtime) dispatchTools(ctx context.Context, calls []provider.ToolCall) string {
	var b strings.Builder
	b.WriteString(toolSummaryHeading)

	for _, call := range calls {
		callStart := time.Now()
		result := r.invokeTool(ctx, call)
		durationMs := time.Since(callStart).Milliseconds()

		record := store.ToolInvocationRecord{
			SessionID:  r.sessionID,
			ToolName:   call.Name,
			Parameters: call.Parameters,
			Success:    result.Success,
			DurationMs: durationMs,
		}
		if result.Success {
			record.Result = result.Data
		} else {
			record.Result = map[string]interface{}{"error": result.Error}
		}
		if _, err := r.store.RecordToolInvocation(ctx, record); err != nil {
			r.logger.Error().Err(err).Str("tool", call.Name).Msg("Failed to record tool invocation")
		}

		if result.Success {
			fmt.Fprintf(&b, "\n- %s: %v", call.Name, result.Data)
		} else {
			fmt.Fprintf(&b, "\n- %s failed: %s", call.Name, result.Error)
			r.logger.Warn().Str("tool", call.Name).Str("error", result.Error).Msg("Tool call failed")
		}
	}

	return b.String()
}

// invokeTool shields the turn from invoker implementations that panic
// instead of reporting failure through the result.
func (r *Runtime) invokeTool(ctx context.Context, call provider.ToolCall) (result tool.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = tool.Result{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", call.Name, rec)}
		}
	}()

	if r.tools == nil {
		return tool.Result{Success: false, Error: fmt.Sprintf("tool not available: %s", call.Name)}
	}
	return r.tools.Execute(ctx, call.Name, call.Parameters, tool.Context{
		UserID:    r.userID,
		SessionID: r.sessionID,
	})
}

// ClearHistory deletes the session's messages and refreshes the
// known-context block, so a cleared session still knows the user.
func (r *Runtime) ClearHistory(ctx context.Context) error {
	if r.State() == StateClosed {
		return ErrClosed
	}

	deleted, err := r.store.ClearMessages(ctx, r.sessionID)
	if err != nil {
		return err
	}
	if err := r.reloadKnownContext(ctx); err != nil {
		return err
	}

	r.logger.Info().Int("deleted", deleted).Msg("History cleared")
	return nil
}
