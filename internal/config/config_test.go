package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8087", cfg.HTTP.Addr)
	require.Equal(t, "fieldsync.db", cfg.Store.Path)
	require.Equal(t, 8, cfg.Sync.MaxAttempts)
	require.Equal(t, 2*time.Minute, cfg.Sync.LeaseTTL)
	require.Equal(t, 72*time.Hour, cfg.Retention.MaxAge)
	require.Equal(t, 3, cfg.Remote.Breaker.FailThreshold)
}

func TestLoadMergesUserFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
remote:
  base_url: "https://intake.example.org"
sync:
  max_attempts: 3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "https://intake.example.org", cfg.Remote.BaseURL)
	require.Equal(t, 3, cfg.Sync.MaxAttempts)
	// untouched keys keep their defaults
	require.Equal(t, "127.0.0.1:8087", cfg.HTTP.Addr)
	require.Equal(t, 72*time.Hour, cfg.Retention.MaxAge)
}
