package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, path, maxAge string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(`{
		"provider": {"kind": "anthropic", "api_key": "sk-test", "model": "claude-sonnet-4-20250514"},
		"retention": {"enabled": true, "max_age_days": `+maxAge+`}
	}`), 0644))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.json")
	writeTestConfig(t, path, "90")

	var mu sync.Mutex
	var latest *Config
	w, err := NewWatcher(NewLoader(path), zerolog.Nop(), func(cfg *Config) {
		mu.Lock()
		latest = cfg
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Stop()

	writeTestConfig(t, path, "30")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest != nil && latest.Retention.MaxAgeDays == 30
	}, 5*time.Second, 50*time.Millisecond)
}

func TestWatcher_KeepsPreviousConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.json")
	writeTestConfig(t, path, "90")

	var mu sync.Mutex
	calls := 0
	w, err := NewWatcher(NewLoader(path), zerolog.Nop(), func(cfg *Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Stop()

	// negative age fails validation, so the callback must not fire
	writeTestConfig(t, path, "-5")

	time.Sleep(1500 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}
