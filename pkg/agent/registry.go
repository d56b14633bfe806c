package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/mnemo-ai/mnemo/pkg/provider"
	"github.com/mnemo-ai/mnemo/pkg/retry"
	"github.com/mnemo-ai/mnemo/pkg/store"
	"github.com/rs/zerolog"
)

// RegistryConfig configures a runtime registry
type RegistryConfig struct {
	Store        *store.Store
	Provider     provider.CompletionProvider
	Tools        ToolSet    // optional
	Extractor    *Extractor // optional
	Retry        retry.Policy
	SystemPrompt string
	Logger       zerolog.Logger
}

// Registry holds the live session runtimes, creating them lazily, and
// owns the store's lifetime. It is a plain value the caller wires in,
// never a package singleton.
type Registry struct {
	cfg      RegistryConfig
	mu       sync.Mutex
	runtimes map[string]*registryEntry
	closed   bool
}

// registryEntry pairs a runtime with the lock that serializes its turns.
// Message ordering within a session is only guaranteed when turns do not
// overlap, so the registry admits one turn per session at a time. The
// runtime pointer is atomic so Get can read it without waiting for an
// in-flight turn.
type registryEntry struct {
	mu      sync.Mutex
	runtime atomic.Pointer[Runtime]
}

// NewRegistry creates a runtime registry
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	return &Registry{
		cfg:      cfg,
		runtimes: make(map[string]*registryEntry),
	}, nil
}

// Run processes one turn. An empty sessionID starts a new conversation
// under a generated id; the id comes back in the TurnResult.
func (g *Registry) Run(ctx context.Context, userID, sessionID, text string) (TurnResult, error) {
	if userID == "" {
		return TurnResult{}, errors.New("user id cannot be empty")
	}
	if sessionID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return TurnResult{}, fmt.Errorf("failed to generate session id: %w", err)
		}
		sessionID = "sess_" + id
	}

	entry, err := g.entryFor(sessionID)
	if err != nil {
		return TurnResult{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	runtime := entry.runtime.Load()
	if runtime == nil {
		runtime, err = NewRuntime(ctx, RuntimeConfig{
			Store:        g.cfg.Store,
			Provider:     g.cfg.Provider,
			Tools:        g.cfg.Tools,
			Extractor:    g.cfg.Extractor,
			Retry:        g.cfg.Retry,
			SystemPrompt: g.cfg.SystemPrompt,
			Logger:       g.cfg.Logger,
		}, sessionID, userID)
		if err != nil {
			return TurnResult{}, err
		}
		entry.runtime.Store(runtime)
	}

	if runtime.UserID() != userID {
		return TurnResult{}, fmt.Errorf("session %s belongs to another user: %w", sessionID, store.ErrAlreadyExists)
	}

	return runtime.ProcessTurn(ctx, text)
}

// Get returns the live runtime for a session, nil if none exists yet
func (g *Registry) Get(sessionID string) *Runtime {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.runtimes[sessionID]
	if !ok {
		return nil
	}
	return entry.runtime.Load()
}

func (g *Registry) entryFor(sessionID string) (*registryEntry, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	entry, ok := g.runtimes[sessionID]
	if !ok {
		entry = &registryEntry{}
		g.runtimes[sessionID] = entry
	}
	return entry, nil
}

// Close shuts down the registry: runtimes stop accepting turns, the
// extractor drains, and the store - whose lifetime the registry owns -
// is closed.
func (g *Registry) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	entries := make([]*registryEntry, 0, len(g.runtimes))
	for _, entry := range g.runtimes {
		entries = append(entries, entry)
	}
	g.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if runtime := entry.runtime.Load(); runtime != nil {
			runtime.Close()
		}
		entry.mu.Unlock()
	}

	if g.cfg.Extractor != nil {
		g.cfg.Extractor.Close()
	}
	return g.cfg.Store.Close()
}
