package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.True(t, c.Relay.DebounceEnabled)
	assert.Equal(t, 1500*time.Millisecond, c.Relay.DebounceWindow)
	assert.Equal(t, 30, c.Relay.FirstFlushMinChars)
	assert.Equal(t, time.Second, c.Relay.EditInterval)
	assert.Equal(t, 40, c.Relay.MinEditDiff)
	assert.Equal(t, "cli", c.LLM.Provider)
	assert.Equal(t, "memory", c.Storage.Type)
	assert.Same(t, c, Get())
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
relay:
  debounce_enabled: false
  debounce_window: 300ms
  edit_interval: 2s
  min_edit_diff: 120
llm:
  provider: openai
  openai:
    api_key: sk-test
skills:
  mcp_servers:
    - name: maps
      transport: sse
      url: http://localhost:9000/sse
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.False(t, c.Relay.DebounceEnabled)
	assert.Equal(t, 300*time.Millisecond, c.Relay.DebounceWindow)
	assert.Equal(t, 2*time.Second, c.Relay.EditInterval)
	assert.Equal(t, 120, c.Relay.MinEditDiff)
	assert.Equal(t, "openai", c.LLM.Provider)
	assert.Equal(t, "sk-test", c.LLM.OpenAI.APIKey)
	require.Len(t, c.Skills.MCPServers, 1)
	assert.Equal(t, "maps", c.Skills.MCPServers[0].Name)
}

func TestLoadSecretFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	path := writeConfig(t, "llm:\n  provider: openai\n")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", c.LLM.OpenAI.APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown provider", "llm:\n  provider: parrot\n"},
		{"negative window", "relay:\n  debounce_window: -1s\n"},
		{"telegram without token", "transport:\n  telegram:\n    enabled: true\n"},
		{"unknown storage", "storage:\n  type: s3\n"},
	}
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadExpandsHomeInDataDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	c, err := Load(writeConfig(t, "storage:\n  type: disk\n  data_dir: ~/relay-data\n"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "relay-data"), c.Storage.DataDir)

	c, err = Load(writeConfig(t, "storage:\n  data_dir: ./data\n"))
	require.NoError(t, err)
	assert.Equal(t, "./data", c.Storage.DataDir)
}
