package config

import (
	"fmt"
	"strings"
)

// Validate enforces the fail-fast startup rules. It collects every problem
// before returning so an operator can fix the whole file in one pass.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if len(c.Providers) == 0 {
		add("at least one provider must be configured")
	}
	if len(c.ModelMappings) == 0 {
		add("at least one model mapping must be configured")
	}

	providerNames := make(map[string]bool, len(c.Providers))
	providerModels := make(map[string]map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			add("provider with empty name")
			continue
		}
		if providerNames[p.Name] {
			add("duplicate provider name %q", p.Name)
		}
		providerNames[p.Name] = true

		if !strings.HasPrefix(p.BaseURL, "http://") && !strings.HasPrefix(p.BaseURL, "https://") {
			add("provider %q: base_url %q must start with http:// or https://", p.Name, p.BaseURL)
		}
		if p.APIKey == "" {
			add("provider %q: api_key is empty", p.Name)
		}
		switch p.ProviderType {
		case ProviderTypeOpenAI, ProviderTypeAzure, ProviderTypeCustom:
		default:
			add("provider %q: provider_type %q must be one of openai, azure, custom", p.Name, p.ProviderType)
		}
		if p.Timeout < 1 {
			add("provider %q: timeout must be at least 1 second", p.Name)
		}
		if p.MaxRetries < 0 {
			add("provider %q: max_retries must not be negative", p.Name)
		}
		models := make(map[string]bool, len(p.Models))
		for _, m := range p.Models {
			models[m] = true
		}
		providerModels[p.Name] = models
	}

	displayNames := make(map[string]bool, len(c.ModelMappings))
	for _, m := range c.ModelMappings {
		if m.DisplayName == "" {
			add("model mapping with empty display_name")
			continue
		}
		if displayNames[m.DisplayName] {
			add("duplicate model display_name %q", m.DisplayName)
		}
		displayNames[m.DisplayName] = true

		if !providerNames[m.ProviderName] {
			add("model mapping %q references non-existent provider %q", m.DisplayName, m.ProviderName)
		} else if allowed := providerModels[m.ProviderName]; len(allowed) > 0 && !allowed[m.ActualModelName] {
			add("model mapping %q references model %q which is not in provider %q", m.DisplayName, m.ActualModelName, m.ProviderName)
		}
		if m.ActualModelName == "" {
			add("model mapping %q: actual_model_name is empty", m.DisplayName)
		}
	}

	if err := c.validateReductionMode("context.default_reduction_mode", c.Context.DefaultReductionMode, c.Context.DefaultSummarizationModel, providerNames, displayNames); err != "" {
		add("%s", err)
	}
	for _, m := range c.ModelMappings {
		if m.ContextConfig == nil {
			continue
		}
		cc := c.EffectiveContextConfig(m)
		if err := c.validateReductionMode(
			fmt.Sprintf("model mapping %q", m.DisplayName), cc.ReductionMode, cc.SummarizationModel, providerNames, displayNames); err != "" {
			add("%s", err)
		}
	}

	if c.Storage.Type != "memory" && c.Storage.Type != "redis" {
		add("storage.type %q must be \"memory\" or \"redis\"", c.Storage.Type)
	}
	if c.Storage.Type == "redis" && c.Storage.RedisURL == "" {
		add("storage.type is \"redis\" but storage.redis_url is not configured")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateReductionMode checks that summarization modes name a resolvable
// summarization model: either a known mapping or a provider/model reference.
func (c *Config) validateReductionMode(where string, mode ReductionMode, summarizationModel string, providerNames, displayNames map[string]bool) string {
	switch mode {
	case ModeTruncation, ModeSlidingWindow:
		return ""
	case ModeSummarization:
	default:
		return fmt.Sprintf("%s: reduction mode %q must be one of truncation, sliding_window, summarization", where, mode)
	}

	if summarizationModel == "" {
		return fmt.Sprintf("%s: uses summarization mode but no summarization model is configured", where)
	}
	if displayNames[summarizationModel] {
		return ""
	}
	if prefix, _, found := strings.Cut(summarizationModel, "/"); found && providerNames[prefix] {
		return ""
	}
	return fmt.Sprintf("%s: summarization model %q does not resolve to a known mapping or provider/model reference", where, summarizationModel)
}
