package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReductionMode selects how conversation context is reduced when a
// model's turn or token budget is exceeded.
type ReductionMode string

const (
	ModeTruncation    ReductionMode = "truncation"
	ModeSlidingWindow ReductionMode = "sliding_window"
	ModeSummarization ReductionMode = "summarization"
)

// Provider types change how credentials are attached to upstream requests.
const (
	ProviderTypeOpenAI = "openai"
	ProviderTypeAzure  = "azure"
	ProviderTypeCustom = "custom"
)

const (
	DefaultPort        = 8000
	DefaultSessionTTL  = 3600
	DefaultMaxTurns    = 10
	DefaultMaxTokens   = 4000
	DefaultTimeout     = 30
	DefaultMaxRetries  = 3
	DefaultStorageType = "memory"
)

// DefaultSummarizationPrompt is used when the config does not override the
// template. {max_tokens} is replaced with the target budget.
const DefaultSummarizationPrompt = "You are a conversation summarizer. Summarize the following conversation concisely, preserving key information, user intent, and important context. Keep the summary under {max_tokens} tokens."

type SystemConfig struct {
	Port          int    `yaml:"port"`
	LogLevel      string `yaml:"log_level"`
	LogTimeFormat string `yaml:"log_time_format"`
	SessionTTL    int    `yaml:"session_ttl"` // seconds
}

type StorageConfig struct {
	Type     string `yaml:"type"` // "memory" or "redis"
	RedisURL string `yaml:"redis_url"`
	RedisDB  int    `yaml:"redis_db"`
}

type ContextDefaults struct {
	DefaultMaxTurns           int           `yaml:"default_max_turns"`
	DefaultMaxTokens          int           `yaml:"default_max_tokens"`
	DefaultReductionMode      ReductionMode `yaml:"default_reduction_mode"`
	DefaultSummarizationModel string        `yaml:"default_summarization_model"`
	SummarizationPrompt       string        `yaml:"summarization_prompt"`
}

type Provider struct {
	Name         string   `yaml:"name"`
	BaseURL      string   `yaml:"base_url"`
	APIKey       string   `yaml:"api_key"`
	ProviderType string   `yaml:"provider_type"`
	Models       []string `yaml:"models"`
	Timeout      int      `yaml:"timeout"` // seconds
	// MaxRetries is accepted for config compatibility. The router never
	// retries: duplicate submissions to LLMs are worse than a surfaced error.
	MaxRetries int `yaml:"max_retries"`
}

// ContextConfig is the per-model override of the global context defaults.
// Pointer fields distinguish "absent" from an explicit false/zero.
type ContextConfig struct {
	MaxTurns              int           `yaml:"max_turns"`
	MaxTokens             int           `yaml:"max_tokens"`
	ReductionMode         ReductionMode `yaml:"reduction_mode"`
	SummarizationModel    string        `yaml:"summarization_model"`
	PreserveSystemMessage *bool         `yaml:"preserve_system_message"`
	MemoryZoneEnabled     *bool         `yaml:"memory_zone_enabled"`
}

// PreserveSystem reports whether system messages survive reduction.
// Defaults to true when unset.
func (cc ContextConfig) PreserveSystem() bool {
	return cc.PreserveSystemMessage == nil || *cc.PreserveSystemMessage
}

// MemoryZone reports whether summaries are written to the session's
// memory zone. Defaults to true when unset.
func (cc ContextConfig) MemoryZone() bool {
	return cc.MemoryZoneEnabled == nil || *cc.MemoryZoneEnabled
}

type ModelMapping struct {
	DisplayName     string         `yaml:"display_name"`
	ProviderName    string         `yaml:"provider_name"`
	ActualModelName string         `yaml:"actual_model_name"`
	ContextConfig   *ContextConfig `yaml:"context_config"`
}

// Config is the resolved application configuration. It is loaded once at
// startup, validated, and shared read-only afterwards.
type Config struct {
	System        SystemConfig    `yaml:"system"`
	Storage       StorageConfig   `yaml:"storage"`
	Context       ContextDefaults `yaml:"context"`
	Providers     []Provider      `yaml:"providers"`
	ModelMappings []ModelMapping  `yaml:"model_mappings"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnv expands ${VAR} placeholders. An unresolved placeholder is a
// startup error, never an empty credential.
func substituteEnv(value string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := match[2 : len(match)-1]
		env, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return env
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("environment variable(s) not set: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Load reads, parses, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML. Split out of Load so tests can feed
// config bytes directly.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolveSecrets() error {
	for i := range c.Providers {
		p := &c.Providers[i]
		for _, field := range []*string{&p.APIKey, &p.BaseURL} {
			resolved, err := substituteEnv(*field)
			if err != nil {
				return fmt.Errorf("provider %q: %w", p.Name, err)
			}
			*field = resolved
		}
	}
	resolved, err := substituteEnv(c.Storage.RedisURL)
	if err != nil {
		return fmt.Errorf("storage.redis_url: %w", err)
	}
	c.Storage.RedisURL = resolved
	return nil
}

func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("MIDDLEWARE_PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 {
			c.System.Port = n
		}
	}
	if level := os.Getenv("MIDDLEWARE_LOG_LEVEL"); level != "" {
		c.System.LogLevel = level
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Storage.RedisURL = url
	}
}

func (c *Config) applyDefaults() {
	if c.System.Port == 0 {
		c.System.Port = DefaultPort
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "info"
	}
	if c.System.SessionTTL == 0 {
		c.System.SessionTTL = DefaultSessionTTL
	}
	if c.Storage.Type == "" {
		c.Storage.Type = DefaultStorageType
	}
	if c.Context.DefaultMaxTurns == 0 {
		c.Context.DefaultMaxTurns = DefaultMaxTurns
	}
	if c.Context.DefaultMaxTokens == 0 {
		c.Context.DefaultMaxTokens = DefaultMaxTokens
	}
	if c.Context.DefaultReductionMode == "" {
		c.Context.DefaultReductionMode = ModeTruncation
	}
	if c.Context.SummarizationPrompt == "" {
		c.Context.SummarizationPrompt = DefaultSummarizationPrompt
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.ProviderType == "" {
			p.ProviderType = ProviderTypeOpenAI
		}
		if p.Timeout == 0 {
			p.Timeout = DefaultTimeout
		}
		p.BaseURL = strings.TrimSuffix(p.BaseURL, "/")
	}
}

// GetProvider looks up a provider by name.
func (c *Config) GetProvider(name string) (Provider, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// GetModelMapping looks up a mapping by display name.
func (c *Config) GetModelMapping(displayName string) (ModelMapping, bool) {
	for _, m := range c.ModelMappings {
		if m.DisplayName == displayName {
			return m, true
		}
	}
	return ModelMapping{}, false
}

// DefaultContextConfig returns the global context defaults as a concrete
// per-model config.
func (c *Config) DefaultContextConfig() ContextConfig {
	return ContextConfig{
		MaxTurns:           c.Context.DefaultMaxTurns,
		MaxTokens:          c.Context.DefaultMaxTokens,
		ReductionMode:      c.Context.DefaultReductionMode,
		SummarizationModel: c.Context.DefaultSummarizationModel,
	}
}

// EffectiveContextConfig merges a mapping-level override with the global
// defaults. Zero fields fall back to the defaults.
func (c *Config) EffectiveContextConfig(m ModelMapping) ContextConfig {
	if m.ContextConfig == nil {
		return c.DefaultContextConfig()
	}
	cc := *m.ContextConfig
	if cc.MaxTurns == 0 {
		cc.MaxTurns = c.Context.DefaultMaxTurns
	}
	if cc.MaxTokens == 0 {
		cc.MaxTokens = c.Context.DefaultMaxTokens
	}
	if cc.ReductionMode == "" {
		cc.ReductionMode = c.Context.DefaultReductionMode
	}
	if cc.SummarizationModel == "" {
		cc.SummarizationModel = c.Context.DefaultSummarizationModel
	}
	return cc
}
