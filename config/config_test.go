package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Decode(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.LLMClient)
	assert.Equal(t, "file", cfg.Sessions.Store)
	assert.Equal(t, 100, cfg.Sessions.MaxSessions)
	assert.Equal(t, 30*time.Second, cfg.Server.ToolCallGrace)
	assert.Equal(t, "allow", cfg.Permissions.Default)
	assert.Equal(t, 25, cfg.Agent.MaxTurnRequests)
	assert.Contains(t, cfg.FilesystemAccess.Hidden, DirName+"/**")
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
llm: anthropic
model: claude-sonnet-4-5
allowed_commands: ["^go test"]
sessions:
  store: sqlite
  max_sessions: 3
  idle_timeout: 10m
permissions:
  default: reject
toolsets:
  - name: default
    tools: [read_file, search]
`)
	cfg, err := LoadFile(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLMClient)
	assert.Equal(t, "sqlite", cfg.Sessions.Store)
	assert.Equal(t, 3, cfg.Sessions.MaxSessions)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, "reject", cfg.Permissions.Default)
	assert.Equal(t, []string{"^go test"}, cfg.AllowedCommands)

	ts, err := cfg.GetToolset("missing")
	require.NoError(t, err)
	assert.Equal(t, "default", ts.Name)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ACPRELAY_SESSIONS_STORE", "memory")
	t.Setenv("ACPRELAY_LLM", "openai")
	cfg, err := Decode(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Sessions.Store)
	assert.Equal(t, "openai", cfg.LLMClient)
}

func TestValidateRejectsUnknownStore(t *testing.T) {
	path := writeFile(t, t.TempDir(), "sessions:\n  store: redis\n")
	_, err := LoadFile(NewViper(), path)
	assert.Error(t, err)
}

func TestGetToolsetWithoutToolsets(t *testing.T) {
	cfg := &Config{}
	ts, err := cfg.GetToolset("")
	require.NoError(t, err)
	assert.Nil(t, ts)

	cfg.Toolsets = []Toolset{{Name: "other"}}
	_, err = cfg.GetToolset("")
	assert.Error(t, err)
}

func TestYAMLRendersEffectiveConfig(t *testing.T) {
	cfg, err := Decode(NewViper())
	require.NoError(t, err)
	data, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "store: file")
	assert.Contains(t, string(data), "llm: mock")
}
