// Package app assembles mnemo from its parts: persistence, provider,
// tool registry, background extraction, sweeping and the session
// registry, all driven by one config.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/logger"
	"github.com/mnemo-ai/mnemo/pkg/agent"
	"github.com/mnemo-ai/mnemo/pkg/provider"
	"github.com/mnemo-ai/mnemo/pkg/store"
	"github.com/mnemo-ai/mnemo/pkg/tool"
)

// App is the assembled agent shell. Front ends embed it and feed turns
// through Run; everything below it is wired here.
type App struct {
	cfg      *config.Config
	log      *logger.Logger
	store    *store.Store
	tools    *tool.Registry
	registry *agent.Registry
	sweeper  *store.Sweeper
	watcher  *config.Watcher

	mu        sync.RWMutex
	retention store.RetentionPolicy
}

// New wires the application from a validated config. The store and the
// provider come up immediately; background services wait for Start.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	zl := log.GetZerolog()

	st, err := store.Open(store.Config{
		Path:      cfg.Store.Path,
		Logger:    zl.With().Str("component", "store").Logger(),
		Retention: cfg.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	prov, err := provider.New(cfg.Provider)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	extractor, err := agent.NewExtractor(agent.ExtractorConfig{
		Store:    st,
		Provider: prov,
		Logger:   zl.With().Str("component", "extractor").Logger(),
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to start extractor: %w", err)
	}

	tools := tool.NewRegistry(zl.With().Str("component", "tools").Logger())

	registry, err := agent.NewRegistry(agent.RegistryConfig{
		Store:        st,
		Provider:     prov,
		Tools:        tools,
		Extractor:    extractor,
		Retry:        cfg.Retry.ToPolicy(),
		SystemPrompt: cfg.SystemPrompt,
		Logger:       zl.With().Str("component", "agent").Logger(),
	})
	if err != nil {
		extractor.Close()
		st.Close()
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		tools:     tools,
		registry:  registry,
		retention: cfg.Retention,
	}

	if cfg.SweepSchedule != "" {
		sweeper, err := store.NewSweeper(st, cfg.SweepSchedule, cfg.Retention,
			zl.With().Str("component", "sweeper").Logger())
		if err != nil {
			registry.Close()
			return nil, fmt.Errorf("failed to create sweeper: %w", err)
		}
		a.sweeper = sweeper
	}

	return a, nil
}

// Start launches the background services
func (a *App) Start() {
	if a.sweeper != nil {
		a.sweeper.Start()
	}
	a.log.Info().Msg("App started")
}

// WatchConfig reloads the loader's file on change. Only the retention
// policy applies live; other settings need a restart.
func (a *App) WatchConfig(loader *config.Loader) error {
	if a.watcher != nil {
		return fmt.Errorf("config watcher already running")
	}

	w, err := config.NewWatcher(loader, a.log.GetZerolog().With().Str("component", "config").Logger(),
		func(cfg *config.Config) {
			a.mu.Lock()
			a.retention = cfg.Retention
			a.mu.Unlock()
			if a.sweeper != nil {
				a.sweeper.SetPolicy(cfg.Retention)
			}
		})
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// Run processes one turn of a conversation
func (a *App) Run(ctx context.Context, userID, sessionID, text string) (agent.TurnResult, error) {
	return a.registry.Run(ctx, userID, sessionID, text)
}

// Tools exposes the registry front ends register their tools on
func (a *App) Tools() *tool.Registry {
	return a.tools
}

// Retention returns the retention policy currently in force
func (a *App) Retention() store.RetentionPolicy {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.retention
}

// Store exposes the memory store for direct management operations
func (a *App) Store() *store.Store {
	return a.store
}

// Registry exposes the session runtime registry
func (a *App) Registry() *agent.Registry {
	return a.registry
}

// Stop shuts everything down in dependency order: watcher, sweeper,
// then the registry, which drains the extractor and closes the store.
func (a *App) Stop() error {
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.log.Warn().Err(err).Msg("Failed to stop config watcher")
		}
		a.watcher = nil
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}

	err := a.registry.Close()
	a.log.Info().Msg("App stopped")
	return err
}
