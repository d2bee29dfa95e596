package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"burrow/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile = ""
	runFlags.listenAddress, runFlags.logLevel, runFlags.dryRun = "", "", false
	configFlags.output = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cache.Directory = filepath.Join(t.TempDir(), "cache")

	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, config.NewLoader().SaveToFile(cfg, path))
	return path, cfg
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Burrow "+Version)
	assert.Contains(t, out, "Go Version:")
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")

	out, err := execute(t, "config", "example", "--output", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	out, err = execute(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration valid")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server:\n  port: 70000\n"), 0o644))
	_, err = execute(t, "config", "validate", bad)
	assert.Error(t, err)

	_, err = execute(t, "config", "validate")
	assert.Error(t, err)
}

func TestRunDryRun(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "run", "--config", path, "--dry-run", "--listen", "127.0.0.1:3128")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")

	_, err = execute(t, "run", "--config", path, "--dry-run", "--listen", "nonsense")
	assert.Error(t, err)

	_, err = execute(t, "run", "--config", path, "--dry-run", "--log-level", "chatty")
	assert.Error(t, err)
}

func TestCacheCommands(t *testing.T) {
	path, cfg := writeConfig(t)

	out, err := execute(t, "cache", "stats", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, cfg.Cache.Directory)
	assert.Contains(t, out, "Entries:   0")

	out, err = execute(t, "cache", "sweep", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 entries, 0 left")

	out, err = execute(t, "cache", "clear", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 0 entries")
}
