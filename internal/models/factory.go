// Package models builds eino chat models from provider config.
package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	einoclaude "github.com/cloudwego/eino-ext/components/model/claude"
	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"github.com/podex-dev/agentcore/internal/config"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-6"
	defaultAnthropicMaxTokens = 4096
	defaultGeminiModel        = "gemini-2.5-flash"
)

// CreateModel creates a model.ToolCallingChatModel from a provider config.
// Errors returned by the model carry a fault kind.
func CreateModel(ctx context.Context, cfg config.ProviderConfig) (model.ToolCallingChatModel, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "ollama" {
		m, err := NewOllama(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return Guard(m), nil
	}

	auth, err := ResolveAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve auth: %w", err)
	}
	var m model.ToolCallingChatModel
	switch driver {
	case "anthropic":
		m, err = NewAnthropic(ctx, cfg, auth)
	case "openai":
		m, err = newOpenAICompatible(ctx, openaiEndpoint, cfg, auth)
	case "mistral":
		m, err = newOpenAICompatible(ctx, mistralEndpoint, cfg, auth)
	case "gemini":
		m, err = NewGemini(ctx, cfg, auth)
	default:
		return nil, fmt.Errorf("unknown driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return Guard(m), nil
}

// NewAnthropic creates a Claude chat model.
func NewAnthropic(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	modelConfig := &einoclaude.Config{
		APIKey:    auth.Value,
		Model:     modelName,
		MaxTokens: maxTokens,
	}
	if cfg.BaseURL != "" {
		baseURL := cfg.BaseURL
		modelConfig.BaseURL = &baseURL
	}
	if temp, ok := cfg.Options["temperature"].(float64); ok {
		t := float32(temp)
		modelConfig.Temperature = &t
	}
	return einoclaude.NewChatModel(ctx, modelConfig)
}

// NewGemini creates a Gemini chat model on a genai client.
func NewGemini(ctx context.Context, cfg config.ProviderConfig, auth ResolvedAuth) (model.ToolCallingChatModel, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  auth.Value,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" || cfg.Timeout.Duration() > 0 {
		timeout := cfg.Timeout.Duration()
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL, Timeout: &timeout}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	modelConfig := &einogemini.Config{
		Client: client,
		Model:  modelName,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelConfig.MaxTokens = &maxTokens
	}
	if temp, ok := cfg.Options["temperature"].(float64); ok {
		t := float32(temp)
		modelConfig.Temperature = &t
	}
	return einogemini.NewChatModel(ctx, modelConfig)
}

// Guard wraps m so every error it returns goes through HandleError.
func Guard(m model.ToolCallingChatModel) model.ToolCallingChatModel {
	if g, ok := m.(*guarded); ok {
		return g
	}
	return &guarded{inner: m}
}

type guarded struct {
	inner model.ToolCallingChatModel
}

func (g *guarded) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	msg, err := g.inner.Generate(ctx, input, opts...)
	if err != nil {
		return nil, HandleError(err)
	}
	return msg, nil
}

func (g *guarded) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, err := g.inner.Stream(ctx, input, opts...)
	if err != nil {
		return nil, HandleError(err)
	}
	return sr, nil
}

func (g *guarded) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m, err := g.inner.WithTools(tools)
	if err != nil {
		return nil, err
	}
	return &guarded{inner: m}, nil
}
