package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv(EnvMaxParallelAgents, "9")
	t.Setenv(EnvCacheTTL, "120")
	t.Setenv(EnvBreakerThreshold, "7")
	t.Setenv(EnvAgentContextLimit, "")

	cfg := &Config{Backends: map[string]BackendConfig{
		"websearch": {Name: "websearch", BaseURL: "http://x"},
	}}
	cfg.SetDefaults()
	require.Equal(t, 4, cfg.Scheduler.MaxParallelAgents)

	ApplyEnvOverrides(cfg)
	assert.Equal(t, 9, cfg.Scheduler.MaxParallelAgents)
	assert.Equal(t, 120, cfg.Gateway.CacheTTLSeconds)
	assert.Equal(t, 7, cfg.Backends["websearch"].BreakerThreshold)
	// Unset/empty vars leave defaults alone.
	assert.Equal(t, 150, cfg.Scheduler.ContextClipChars)
}

func TestApplyEnvOverrides_MalformedIgnored(t *testing.T) {
	t.Setenv(EnvMaxParallelAgents, "not-a-number")
	t.Setenv(EnvMaxRetries, "-3")

	cfg := &Config{}
	cfg.SetDefaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 4, cfg.Scheduler.MaxParallelAgents)
	assert.Equal(t, 2, cfg.Gateway.MaxRetries)
}

func TestApplyEnvOverrides_LLMBootstrap(t *testing.T) {
	t.Setenv(EnvLLMProvider, "anthropic")
	t.Setenv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv(EnvLLMTemperature, "0.1")

	cfg := &Config{}
	cfg.SetDefaults()
	ApplyEnvOverrides(cfg)

	llm, ok := cfg.LLMs["default"]
	require.True(t, ok)
	assert.Equal(t, "anthropic", llm.Type)
	assert.Equal(t, "claude-sonnet-4-20250514", llm.Model)
	assert.Equal(t, "sk-test", llm.APIKey)
	assert.Equal(t, 0.1, llm.Temperature)
	assert.Equal(t, "https://api.anthropic.com", llm.Host)
}

func TestApplyEnvOverrides_LLMEnvDoesNotShadowYAML(t *testing.T) {
	t.Setenv(EnvLLMProvider, "openai")

	cfg := &Config{LLMs: map[string]LLMConfig{
		"default": {Type: "anthropic", Model: "m", APIKey: "k"},
	}}
	cfg.SetDefaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, "anthropic", cfg.LLMs["default"].Type)
}

func TestBackendURLsFromEnv(t *testing.T) {
	t.Setenv("MCP_WEBSEARCH_URL", "http://search:9001")
	t.Setenv("MCP_CODE_EXEC_URL", "http://code:9003")

	urls := BackendURLsFromEnv([]string{"websearch", "code-exec", "memory"})
	assert.Equal(t, "http://search:9001", urls["websearch"])
	assert.Equal(t, "http://code:9003", urls["code-exec"])
	assert.NotContains(t, urls, "memory")
}
