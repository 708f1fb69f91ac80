package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sidekick.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Chunk())
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Step())
	assert.Equal(t, 7*24*time.Hour, cfg.Timeouts.RetryBudget())
	assert.Equal(t, 30*time.Second, cfg.Timeouts.MinInterval())
	assert.Equal(t, []string{"anthropic", "openai"}, cfg.Resolution.Prefer)
	assert.Equal(t, "o", cfg.Output.Dialect)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := write(t, `
agent:
  model: openai/gpt-4o
  system: be brief
  maxTokens: 2048
providers:
  openai:
    apiKeyEnv: MY_OPENAI_KEY
    baseURL: https://gateway.internal/v1
catalog:
  openai:
    gpt-4o:
      input: 2.5
      output: 10
resolution:
  prefer: [openai]
timeouts:
  chunkMs: 1000
output:
  dialect: c
  compact: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "openai/gpt-4o", cfg.Agent.Model)
	assert.Equal(t, 2048, cfg.Agent.MaxTokens)
	assert.Equal(t, "https://gateway.internal/v1", cfg.Providers["openai"].BaseURL)
	assert.Equal(t, time.Second, cfg.Timeouts.Chunk())
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Step())
	assert.Equal(t, "c", cfg.Output.Dialect)
	assert.True(t, cfg.Output.Compact)
	assert.InDelta(t, 2.5, cfg.Catalog["openai"]["gpt-4o"].Input, 1e-9)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := write(t, "agent:\n  modle: oops\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownDialect(t *testing.T) {
	path := write(t, "output:\n  dialect: x\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "dialect")
}

func TestLoadRejectsCatalogForUnknownProvider(t *testing.T) {
	path := write(t, `
catalog:
  cohere:
    command-r:
      input: 1
      output: 2
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unconfigured provider")
}

func TestProviderKeyPrefersEnvironment(t *testing.T) {
	t.Setenv("SIDEKICK_TEST_KEY", "from-env")
	p := Provider{APIKey: "literal", APIKeyEnv: "SIDEKICK_TEST_KEY"}
	assert.Equal(t, "from-env", p.Key())

	t.Setenv("SIDEKICK_TEST_KEY", "")
	assert.Equal(t, "literal", p.Key())
}
