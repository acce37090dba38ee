package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcher(t *testing.T) {
	_, err := NewWatcher(NewLoader(filepath.Join(t.TempDir(), "c.json")), nil, zerolog.Nop())
	assert.EqualError(t, err, "config change handler is required")
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ranyadesk.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"shared_secret": "s"}}`), 0600))

	changes := make(chan *Config, 4)
	w, err := NewWatcher(NewLoader(path), func(cfg *Config) { changes <- cfg }, zerolog.Nop())
	require.NoError(t, err)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	t.Run("should deliver a valid change", func(t *testing.T) {
		// the watch is registered asynchronously, so keep rewriting until it is seen
		var cfg *Config
		require.Eventually(t, func() bool {
			_ = os.WriteFile(path, []byte(`{"gateway": {"shared_secret": "s"}, "logging": {"level": "debug"}}`), 0600)
			select {
			case cfg = <-changes:
				return true
			case <-time.After(100 * time.Millisecond):
				return false
			}
		}, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("should ignore an invalid change", func(t *testing.T) {
		// let reloads from the previous writes settle
		time.Sleep(200 * time.Millisecond)
		for len(changes) > 0 {
			<-changes
		}
		require.NoError(t, os.WriteFile(path, []byte(`{"gateway": {"shared_secret": "s"}, "logging": {"level": "loud"}}`), 0600))

		select {
		case cfg := <-changes:
			t.Fatalf("unexpected reload with level %s", cfg.Logging.Level)
		case <-time.After(300 * time.Millisecond):
		}
	})
}
