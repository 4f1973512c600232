// Package config defines the YAML-driven configuration for an agentmesh
// process: LLM provider credentials, the tool backend catalog, role
// overrides, and scheduler tunables. It follows the SetDefaults/Validate
// cascade convention used throughout the system: the nested types that
// carry defaults or constraints (logging, LLM, backend, scheduler, gateway)
// implement both, and the top-level Load calls them in order.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document (agentmesh.yaml).
type Config struct {
	Version   string                    `yaml:"version"`
	Name      string                    `yaml:"name"`
	Global    GlobalSettings            `yaml:"global"`
	LLMs      map[string]LLMConfig      `yaml:"llms"`
	Backends  map[string]BackendConfig  `yaml:"backends"`
	Roles     map[string]RoleOverride   `yaml:"roles,omitempty"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Gateway   GatewayConfig             `yaml:"gateway"`
}

// GlobalSettings carries the ambient logging/performance knobs every
// teacher-derived config type exposes at the top level.
type GlobalSettings struct {
	Logging LoggingConfig `yaml:"logging"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text|json, got %q", c.Format)
	}
	return nil
}

// LLMConfig describes one named LLM provider instance.
type LLMConfig struct {
	Type        string  `yaml:"type"` // "anthropic" | "openai"
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	Host        string  `yaml:"host,omitempty"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutSec  int     `yaml:"timeout_seconds"`
	MaxRetries  int     `yaml:"max_retries"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.Type == "anthropic" && c.Host == "" {
		c.Host = "https://api.anthropic.com"
	}
	if c.Type == "openai" && c.Host == "" {
		c.Host = "https://api.openai.com"
	}
}

func (c *LLMConfig) Validate() error {
	switch c.Type {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm type must be anthropic|openai, got %q", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("llm api_key is required")
	}
	return nil
}

// BackendConfig registers one tool backend with the gateway.
type BackendConfig struct {
	Name             string   `yaml:"name" json:"name"`
	BaseURL          string   `yaml:"base_url" json:"base_url"`
	Capabilities     []string `yaml:"capabilities" json:"capabilities"`
	TimeoutSec       int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	Priority         int      `yaml:"priority" json:"priority"`
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	BreakerThreshold int      `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldown  int      `yaml:"breaker_cooldown_seconds" json:"breaker_cooldown_seconds"`
	RateLimitRPS     float64  `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int      `yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

func (c *BackendConfig) SetDefaults() {
	if c.TimeoutSec == 0 {
		c.TimeoutSec = 10
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown == 0 {
		c.BreakerCooldown = 30
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 20
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 40
	}
}

func (c *BackendConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("backend name is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("backend %s: base_url is required", c.Name)
	}
	return nil
}

// RoleOverride lets operators extend or adjust the closed role catalog's
// prompt/tool_servers without recompiling.
type RoleOverride struct {
	SystemPrompt string   `yaml:"system_prompt,omitempty"`
	ToolServers  []string `yaml:"tool_servers,omitempty"`
}

// SchedulerConfig tunes the DAG scheduler (C7) and agent runner (C8).
type SchedulerConfig struct {
	MaxParallelAgents int `yaml:"max_parallel_agents"`
	MaxDepth          int `yaml:"max_depth"`
	AgentTimeoutSec   int `yaml:"agent_timeout_seconds"`
	ContextClipChars  int `yaml:"context_clip_chars"`
	HistoryMessages   int `yaml:"history_messages"`
	MaxToolRounds     int `yaml:"max_tool_rounds"`
}

func (c *SchedulerConfig) SetDefaults() {
	if c.MaxParallelAgents == 0 {
		c.MaxParallelAgents = 4
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 5
	}
	if c.AgentTimeoutSec == 0 {
		c.AgentTimeoutSec = 120
	}
	if c.ContextClipChars == 0 {
		c.ContextClipChars = 150
	}
	if c.HistoryMessages == 0 {
		c.HistoryMessages = 4
	}
	if c.MaxToolRounds == 0 {
		c.MaxToolRounds = 4
	}
}

func (c *SchedulerConfig) Validate() error {
	if c.MaxParallelAgents < 1 {
		return fmt.Errorf("scheduler.max_parallel_agents must be >= 1")
	}
	if c.MaxDepth < 1 || c.MaxDepth > 5 {
		return fmt.Errorf("scheduler.max_depth must be within 1..5")
	}
	return nil
}

// GatewayConfig tunes the Tool Gateway Router (C3).
type GatewayConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	CacheTTLSeconds     int    `yaml:"cache_ttl_seconds"`
	CacheMaxEntries     int    `yaml:"cache_max_entries"`
	HealthCheckInterval int    `yaml:"health_check_interval_seconds"`
	MaxRetries          int    `yaml:"max_retries"`
}

func (c *GatewayConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8090
	}
	if c.CacheTTLSeconds == 0 {
		c.CacheTTLSeconds = 60
	}
	if c.CacheMaxEntries == 0 {
		c.CacheMaxEntries = 1000
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 15
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

func (c *GatewayConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Port)
	}
	return nil
}

// SetDefaults cascades defaults through every nested config, mirroring
// the teacher's Config.SetDefaults convention.
func (c *Config) SetDefaults() {
	c.Global.Logging.SetDefaults()
	for name, llm := range c.LLMs {
		llm.SetDefaults()
		c.LLMs[name] = llm
	}
	for name, backend := range c.Backends {
		backend.SetDefaults()
		c.Backends[name] = backend
	}
	c.Scheduler.SetDefaults()
	c.Gateway.SetDefaults()
}

// Validate cascades validation through every nested config, returning the
// first error encountered (teacher convention: fail fast, name the field).
func (c *Config) Validate() error {
	if err := c.Global.Logging.Validate(); err != nil {
		return err
	}
	for name, llm := range c.LLMs {
		if err := llm.Validate(); err != nil {
			return fmt.Errorf("llms.%s: %w", name, err)
		}
	}
	for name, backend := range c.Backends {
		if err := backend.Validate(); err != nil {
			return fmt.Errorf("backends.%s: %w", name, err)
		}
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	return nil
}

// Load reads, env-expands and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return LoadFromString(string(raw))
}

// LoadFromString parses YAML content directly; Load calls it after reading
// the file, and tests call it with inline YAML.
func LoadFromString(content string) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	expanded := ExpandEnvVarsInData(raw)

	reencoded, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("config: re-encode expanded yaml: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(reencoded, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}
	return &cfg, nil
}
