package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment variable names recognized as direct overrides on top of the
// YAML document. Each maps onto one tunable; unset or malformed values
// leave the config untouched.
const (
	EnvMaxParallelAgents = "MAX_PARALLEL_AGENTS"
	EnvAgentContextLimit = "AGENT_CONTEXT_LIMIT"
	EnvAgentHistoryLimit = "AGENT_HISTORY_LIMIT"

	EnvHealthCheckInterval = "HEALTH_CHECK_INTERVAL"
	EnvRequestTimeout      = "REQUEST_TIMEOUT"
	EnvMaxRetries          = "MAX_RETRIES"
	EnvBreakerThreshold    = "CIRCUIT_BREAKER_THRESHOLD"
	EnvBreakerTimeout      = "CIRCUIT_BREAKER_TIMEOUT"
	EnvCacheTTL            = "CACHE_TTL"

	EnvLLMProvider    = "LLM_PROVIDER"
	EnvLLMTemperature = "LLM_TEMPERATURE"
)

// ApplyEnvOverrides layers the recognized environment variables over an
// already-defaulted Config. Called after Load so the precedence is
// env > yaml > defaults.
func ApplyEnvOverrides(cfg *Config) {
	setIntFromEnv(EnvMaxParallelAgents, &cfg.Scheduler.MaxParallelAgents)
	setIntFromEnv(EnvAgentContextLimit, &cfg.Scheduler.ContextClipChars)
	setIntFromEnv(EnvAgentHistoryLimit, &cfg.Scheduler.HistoryMessages)

	setIntFromEnv(EnvHealthCheckInterval, &cfg.Gateway.HealthCheckInterval)
	setIntFromEnv(EnvMaxRetries, &cfg.Gateway.MaxRetries)
	setIntFromEnv(EnvCacheTTL, &cfg.Gateway.CacheTTLSeconds)

	for name, backend := range cfg.Backends {
		setIntFromEnv(EnvRequestTimeout, &backend.TimeoutSec)
		setIntFromEnv(EnvBreakerThreshold, &backend.BreakerThreshold)
		setIntFromEnv(EnvBreakerTimeout, &backend.BreakerCooldown)
		cfg.Backends[name] = backend
	}

	applyLLMEnv(cfg)
}

// applyLLMEnv honors the LLM_PROVIDER / <PROVIDER>_MODEL /
// <PROVIDER>_API_KEY / LLM_TEMPERATURE binding convention: when
// LLM_PROVIDER is set and the YAML declared no "default" LLM, one is
// synthesized from the environment.
func applyLLMEnv(cfg *Config) {
	provider := strings.ToLower(os.Getenv(EnvLLMProvider))
	if provider == "" {
		return
	}
	if _, declared := cfg.LLMs["default"]; declared {
		return
	}

	upper := strings.ToUpper(provider)
	llm := LLMConfig{
		Type:   provider,
		Model:  os.Getenv(upper + "_MODEL"),
		APIKey: os.Getenv(upper + "_API_KEY"),
	}
	if v := os.Getenv(EnvLLMTemperature); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			llm.Temperature = f
		}
	}
	llm.SetDefaults()
	if cfg.LLMs == nil {
		cfg.LLMs = make(map[string]LLMConfig)
	}
	cfg.LLMs["default"] = llm
}

// BackendURLsFromEnv collects MCP_<NAME>_URL startup registrations for
// the named backends, returning only the ones actually set.
func BackendURLsFromEnv(names []string) map[string]string {
	out := make(map[string]string)
	for _, name := range names {
		key := "MCP_" + toEnvSegment(name) + "_URL"
		if v, ok := os.LookupEnv(key); ok && v != "" {
			out[name] = v
		}
	}
	return out
}

func toEnvSegment(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-('a'-'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func setIntFromEnv(key string, target *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return
	}
	*target = n
}
