package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromString_DefaultsAndValidate(t *testing.T) {
	yaml := `
version: "1"
name: test
llms:
  main:
    type: anthropic
    model: claude-3-5-sonnet
    api_key: sk-test
backends:
  websearch:
    name: websearch
    base_url: http://localhost:9001
    capabilities: ["search"]
    enabled: true
scheduler:
  max_parallel_agents: 3
`
	cfg, err := LoadFromString(yaml)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Global.Logging.Level)
	assert.Equal(t, 3, cfg.Scheduler.MaxParallelAgents)
	assert.Equal(t, 5, cfg.Scheduler.MaxDepth)
	assert.Equal(t, "https://api.anthropic.com", cfg.LLMs["main"].Host)
	assert.Equal(t, 5, cfg.Backends["websearch"].BreakerThreshold)
}

func TestLoadFromString_InvalidLLMType(t *testing.T) {
	yaml := `
llms:
  main:
    type: bogus
    model: x
    api_key: y
`
	_, err := LoadFromString(yaml)
	assert.Error(t, err)
}

func TestLoadFromString_EnvExpansion(t *testing.T) {
	require.NoError(t, os.Setenv("TEST_AGENTMESH_KEY", "sk-from-env"))
	defer os.Unsetenv("TEST_AGENTMESH_KEY")

	yaml := `
llms:
  main:
    type: openai
    model: gpt-4o
    api_key: ${TEST_AGENTMESH_KEY}
`
	cfg, err := LoadFromString(yaml)
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.LLMs["main"].APIKey)
}

func TestSchedulerConfig_ValidateRange(t *testing.T) {
	sc := SchedulerConfig{MaxParallelAgents: 1, MaxDepth: 10}
	assert.Error(t, sc.Validate())
}
