package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/config"
	"github.com/kyoron2/API-Middleware-Context-Control-system/proxy/session"
)

// ErrModelNotFound is returned when a display name resolves to neither a
// mapping nor a provider/model reference.
var ErrModelNotFound = errors.New("model not found")

// ProviderError reports an upstream HTTP failure or an unusable response
// body. It never triggers a retry.
type ProviderError struct {
	Provider   string
	StatusCode int
	Detail     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q returned error: %d %s", e.Provider, e.StatusCode, e.Detail)
}

// TimeoutError reports a network-level failure or deadline hit while talking
// to an upstream.
type TimeoutError struct {
	Provider string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to provider %q timed out: %v", e.Provider, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ModelInfo is one entry of the /v1/models listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Router resolves display names to providers and performs the upstream HTTP
// calls. One pooled client per provider so connection reuse and timeouts are
// scoped to the upstream they belong to.
type Router struct {
	cfg     *config.Config
	clients map[string]*http.Client
	logger  *LogMonitor
}

func NewRouter(cfg *config.Config, logger *LogMonitor) *Router {
	clients := make(map[string]*http.Client, len(cfg.Providers))
	for _, p := range cfg.Providers {
		clients[p.Name] = &http.Client{
			Timeout: time.Duration(p.Timeout) * time.Second,
		}
	}
	return &Router{
		cfg:     cfg,
		clients: clients,
		logger:  logger,
	}
}

// Resolve maps a display name to its provider, the upstream model name and
// the effective context configuration. Mapping-table matches take precedence;
// otherwise the name is split once on the FIRST "/" and the prefix tried as a
// provider name, so the suffix may itself contain slashes.
func (rt *Router) Resolve(displayName string) (config.Provider, string, config.ContextConfig, error) {
	if mapping, ok := rt.cfg.GetModelMapping(displayName); ok {
		provider, ok := rt.cfg.GetProvider(mapping.ProviderName)
		if !ok {
			// Startup validation makes this unreachable; guard anyway.
			return config.Provider{}, "", config.ContextConfig{}, fmt.Errorf("mapping %q: %w", displayName, ErrModelNotFound)
		}
		return provider, mapping.ActualModelName, rt.cfg.EffectiveContextConfig(mapping), nil
	}

	if prefix, suffix, found := strings.Cut(displayName, "/"); found {
		if provider, ok := rt.cfg.GetProvider(prefix); ok {
			return provider, suffix, rt.cfg.DefaultContextConfig(), nil
		}
	}
	return config.Provider{}, "", config.ContextConfig{}, fmt.Errorf("model %q: %w", displayName, ErrModelNotFound)
}

// ListModels enumerates every configured mapping.
func (rt *Router) ListModels() []ModelInfo {
	created := time.Now().Unix()
	out := make([]ModelInfo, 0, len(rt.cfg.ModelMappings))
	for _, m := range rt.cfg.ModelMappings {
		out = append(out, ModelInfo{
			ID:      m.DisplayName,
			Object:  "model",
			Created: created,
			OwnedBy: m.ProviderName,
		})
	}
	return out
}

// newUpstreamRequest builds the outbound chat-completions POST with the
// provider's credentials attached. Azure providers use the api-key header;
// everything else uses the bearer scheme.
func (rt *Router) newUpstreamRequest(ctx context.Context, provider config.Provider, body []byte) (*http.Request, error) {
	url := provider.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if provider.ProviderType == config.ProviderTypeAzure {
		req.Header.Set("api-key", provider.APIKey)
	} else {
		req.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}
	return req, nil
}

func (rt *Router) client(provider config.Provider) *http.Client {
	if c, ok := rt.clients[provider.Name]; ok {
		return c
	}
	return http.DefaultClient
}

// Dispatch performs a buffered chat completion against the provider. The
// caller's body is forwarded unchanged except for the model field.
func (rt *Router) Dispatch(ctx context.Context, provider config.Provider, actualModel string, body []byte) ([]byte, error) {
	body, err := sjson.SetBytes(body, "model", actualModel)
	if err != nil {
		return nil, fmt.Errorf("rewrite model field: %w", err)
	}

	req, err := rt.newUpstreamRequest(ctx, provider, body)
	if err != nil {
		return nil, err
	}

	resp, err := rt.client(provider).Do(req)
	if err != nil {
		return nil, &TimeoutError{Provider: provider.Name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TimeoutError{Provider: provider.Name, Err: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &ProviderError{
			Provider:   provider.Name,
			StatusCode: resp.StatusCode,
			Detail:     truncateForLog(strings.TrimSpace(string(respBody)), 512),
		}
	}
	if !gjson.ValidBytes(respBody) {
		return nil, &ProviderError{
			Provider:   provider.Name,
			StatusCode: resp.StatusCode,
			Detail:     "invalid_response",
		}
	}
	return respBody, nil
}

// Summarize asks the configured summarization model to compress a message
// slice. Used by the context engine; failures there fall back to truncation.
func (rt *Router) Summarize(ctx context.Context, model string, msgs []session.Message, maxTokens int) (string, error) {
	provider, actualModel, _, err := rt.Resolve(model)
	if err != nil {
		return "", err
	}

	template := rt.cfg.Context.SummarizationPrompt
	prompt := strings.ReplaceAll(template, "{max_tokens}", fmt.Sprintf("%d", maxTokens))

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n")
	for _, msg := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	b.WriteString("\nSummary:")

	body, err := sjson.SetBytes([]byte(`{"stream":false}`), "messages", []map[string]string{
		{"role": "user", "content": b.String()},
	})
	if err != nil {
		return "", err
	}

	respBody, err := rt.Dispatch(ctx, provider, actualModel, body)
	if err != nil {
		return "", err
	}

	summary := strings.TrimSpace(gjson.GetBytes(respBody, "choices.0.message.content").String())
	if summary == "" {
		return "", fmt.Errorf("summarization model %q returned an empty summary", model)
	}
	return summary, nil
}
