package models

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"github.com/podex-dev/agentcore/internal/config"
)

// endpoint holds the per-driver fallbacks of an HTTP provider.
type endpoint struct {
	driver  string
	baseURL string
	model   string
	timeout time.Duration
}

var (
	openaiEndpoint  = endpoint{driver: "openai", timeout: time.Minute}
	mistralEndpoint = endpoint{driver: "mistral", baseURL: "https://api.mistral.ai/v1", model: "mistral-small-latest", timeout: 5 * time.Minute}
	ollamaEndpoint  = endpoint{driver: "ollama", baseURL: "http://localhost:11434", timeout: 5 * time.Minute}
)

func (e endpoint) resolve(cfg config.ProviderConfig) (baseURL, modelName string, timeout time.Duration) {
	baseURL, modelName, timeout = cfg.BaseURL, cfg.Model, cfg.Timeout.Duration()
	if baseURL == "" {
		baseURL = e.baseURL
	}
	if modelName == "" {
		modelName = e.model
	}
	if timeout <= 0 {
		timeout = e.timeout
	}
	return baseURL, modelName, timeout
}

func (e endpoint) client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &checkedTransport{inner: http.DefaultTransport, provider: e.driver},
	}
}

// optFloat reads a numeric sampling option. JSON and YAML both decode
// numbers in Options as float64 or int.
func optFloat(opts map[string]any, key string) (float32, bool) {
	switch v := opts[key].(type) {
	case float64:
		return float32(v), true
	case int:
		return float32(v), true
	}
	return 0, false
}

func optInt(opts map[string]any, key string) (int, bool) {
	f, ok := optFloat(opts, key)
	return int(f), ok
}

// newOpenAICompatible creates a chat model on an OpenAI-style API. The
// openai and mistral drivers both use it.
func newOpenAICompatible(ctx context.Context, e endpoint, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	baseURL, modelName, timeout := e.resolve(cfg)
	mc := &einoopenai.ChatModelConfig{
		APIKey:     auth.Value,
		Model:      modelName,
		BaseURL:    baseURL,
		Timeout:    timeout,
		HTTPClient: e.client(timeout),
	}
	if cfg.MaxTokens > 0 {
		n := cfg.MaxTokens
		mc.MaxCompletionTokens = &n
	}
	if t, ok := optFloat(cfg.Options, "temperature"); ok {
		mc.Temperature = &t
	}
	if p, ok := optFloat(cfg.Options, "top_p"); ok {
		mc.TopP = &p
	}
	return einoopenai.NewChatModel(ctx, mc)
}

// NewOllama creates a chat model on a local or remote Ollama server.
func NewOllama(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	baseURL, modelName, timeout := ollamaEndpoint.resolve(cfg)

	opts := &einoollama.Options{NumPredict: cfg.MaxTokens}
	if t, ok := optFloat(cfg.Options, "temperature"); ok {
		opts.Temperature = t
	}
	if p, ok := optFloat(cfg.Options, "top_p"); ok {
		opts.TopP = p
	}
	if k, ok := optInt(cfg.Options, "top_k"); ok {
		opts.TopK = k
	}
	if n, ok := optInt(cfg.Options, "num_ctx"); ok {
		opts.NumCtx = n
	}
	if n, ok := optInt(cfg.Options, "num_predict"); ok {
		opts.NumPredict = n
	}

	return einoollama.NewChatModel(ctx, &einoollama.ChatModelConfig{
		BaseURL:    baseURL,
		Model:      modelName,
		Timeout:    timeout,
		HTTPClient: ollamaEndpoint.client(timeout),
		Options:    opts,
	})
}

// checkedTransport turns transport failures and non-model answers (an
// error status, or a proxy replying in plain text) into
// ErrModelUnavailable before the SDK tries to decode them.
type checkedTransport struct {
	inner    http.RoundTripper
	provider string
}

func (t *checkedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		return nil, &ErrModelUnavailable{Provider: t.provider, Cause: err}
	}

	ct := resp.Header.Get("Content-Type")
	switch {
	case resp.StatusCode >= http.StatusBadRequest:
	case ct != "" && !strings.Contains(ct, "json") && !strings.HasPrefix(ct, "text/event-stream"):
	default:
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()
	return nil, &ErrModelUnavailable{
		Provider: t.provider,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
	}
}
