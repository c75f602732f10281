package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/blobsync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigShow_MasksToken(t *testing.T) {
	isolate(t)
	folder := tempFolder(t)

	out, err := execute(t, "config", "show",
		"--folder", folder,
		"--server", "https://blobs.example.com",
		"--token", "supersecret",
		"--state-dir", t.TempDir(),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "server_url: https://blobs.example.com")
	assert.Contains(t, out, "- "+folder)
	assert.Contains(t, out, "supe*****")
	assert.NotContains(t, out, "supersecret")
}

func TestResolveConfigPath_FlagBeatsEnv(t *testing.T) {
	t.Setenv("BLOBSYNC_CONFIG", "/tmp/env/config.yaml")
	cmd := newRootCmd()
	require.NoError(t, cmd.PersistentFlags().Set("config", "/tmp/flag/config.yaml"))
	assert.Equal(t, "/tmp/flag/config.yaml", resolveConfigPath(cmd))
}

func TestResolveConfigPath_UsesEnvWhenNoFlag(t *testing.T) {
	t.Setenv("BLOBSYNC_CONFIG", "/tmp/env/config.yaml")
	assert.Equal(t, "/tmp/env/config.yaml", resolveConfigPath(newRootCmd()))
}

func TestResolveConfigPath_FindsExistingFile(t *testing.T) {
	oldHome := home
	home = t.TempDir()
	t.Cleanup(func() { home = oldHome })
	t.Setenv("BLOBSYNC_CONFIG", "")

	existing := filepath.Join(home, ".config", "blobsync", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(existing), 0o755))
	require.NoError(t, os.WriteFile(existing, []byte("folders: []"), 0o644))

	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		t.Skip("a real config exists at the default path")
	}
	assert.Equal(t, existing, resolveConfigPath(newRootCmd()))
}

func TestConfigPathCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mine.yaml")
	out, err := execute(t, "config", "path", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)
}
