package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	initial := `
[server]
port = 8743

[quota]
daily_limit = 1000

[quota.shares]
wheels = 700
tires = 300
`
	require.NoError(t, os.WriteFile(path, []byte(initial), 0o644))

	w, err := NewWatcher(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) error {
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})
	w.Start()
	defer w.Stop()

	updated := `
[server]
port = 8743

[quota]
daily_limit = 2000

[quota.shares]
wheels = 1400
tires = 600
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, 2000, cfg.Quota.DailyLimit)
		require.Equal(t, 1400, cfg.Quota.Shares["wheels"])
	case <-time.After(3 * time.Second):
		t.Fatal("config reload never fired")
	}
}

func TestWatcherKeepsOldConfigOnBadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\nport = 8743\n"), 0o644))

	w, err := NewWatcher(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	w.debouncePeriod = 20 * time.Millisecond

	fired := make(chan struct{}, 1)
	w.OnReload(func(cfg *Config) error {
		fired <- struct{}{}
		return nil
	})
	w.Start()
	defer w.Stop()

	// Invalid config: callbacks must not run.
	require.NoError(t, os.WriteFile(path, []byte("port = {{{{"), 0o644))

	select {
	case <-fired:
		t.Fatal("callbacks ran for an invalid config")
	case <-time.After(300 * time.Millisecond):
	}
}
