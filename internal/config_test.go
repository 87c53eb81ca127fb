package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `app_name: sequoia-test
cache:
  sessions: 8
  hazard_slots: 4
storage:
  workdir: /tmp/sequoia-test
  page_size: 8192
engine:
  debug: true
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "sequoia-test", cfg.AppName)
	require.Equal(t, 8, cfg.Cache.Sessions)
	require.Equal(t, 4, cfg.Cache.HazardSlots)
	require.Equal(t, "/tmp/sequoia-test", cfg.Storage.Workdir)
	require.Equal(t, 8192, cfg.Storage.PageSize)
	require.True(t, cfg.Engine.Debug)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
