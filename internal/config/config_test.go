package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, []string{Wildcard}, cfg.AllowedCommands)
	assert.Equal(t, []string{Wildcard}, cfg.AllowedCwdPrefixes)
	assert.NotEmpty(t, cfg.BindAddress)
}

func TestLoadSplitsCommaDelimitedEnvLists(t *testing.T) {
	t.Setenv("PROCESSD_ALLOWED_COMMANDS", "/usr/bin/java,/usr/bin/python3")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/bin/java", "/usr/bin/python3"}, cfg.AllowedCommands)
}

func TestLoadReadsConfigFileFromDataDir(t *testing.T) {
	dir := t.TempDir()
	content := "bind_address: 0.0.0.0:9999\nallowed_cwd_prefixes:\n  - /srv/games\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.BindAddress)
	assert.Equal(t, []string{"/srv/games"}, cfg.AllowedCwdPrefixes)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("bind_address: 0.0.0.0:9999\n"), 0o644))
	t.Setenv("PROCESSD_BIND_ADDRESS", "127.0.0.1:7777")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.BindAddress)
}
