package models

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"

	"github.com/podex-dev/agentcore/internal/config"
	"github.com/podex-dev/agentcore/internal/fault"
)

// contextWindows maps model name prefixes to their context size in tokens.
// Longer prefixes are matched first.
var contextWindows = map[string]int{
	"claude-opus-4":   200000,
	"claude-sonnet-4": 200000,
	"claude-haiku-4":  200000,
	"gpt-4o":          128000,
	"gpt-4.1":         1000000,
	"gpt-4":           8192,
	"o3":              200000,
	"gemini-2.5":      1000000,
	"gemini-2.0":      1000000,
	"mistral-large":   128000,
	"codestral":       256000,
}

const fallbackContextWindow = 100000

type entry struct {
	cfg   config.ProviderConfig
	once  sync.Once
	model model.ToolCallingChatModel
	err   error
}

// Registry builds named providers lazily, once each.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	defaultName string
	create      func(context.Context, config.ProviderConfig) (model.ToolCallingChatModel, error)
}

// NewRegistry creates a model registry from config.
func NewRegistry(cfg config.ModelsConfig) *Registry {
	r := &Registry{
		entries:     make(map[string]*entry, len(cfg.Providers)),
		defaultName: cfg.Default,
		create:      CreateModel,
	}
	for name, p := range cfg.Providers {
		r.entries[name] = &entry{cfg: p}
	}
	return r
}

// Register adds an already built model under name.
func (r *Registry) Register(name string, m model.ToolCallingChatModel, contextWindow int) {
	e := &entry{cfg: config.ProviderConfig{ContextWindow: contextWindow}, model: Guard(m)}
	e.once.Do(func() {})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = e
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// Get returns the named model. A provider that fails to build keeps failing
// with the same error.
func (r *Registry) Get(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindModelUnavailable, "models", "model provider %q not found", name)
	}

	e.once.Do(func() {
		e.model, e.err = r.create(ctx, e.cfg)
		if e.err != nil {
			e.err = fault.New(fault.KindModelUnavailable, "models", fmt.Errorf("build %s: %w", name, e.err))
		}
	})
	return e.model, e.err
}

// Default returns the default model.
func (r *Registry) Default(ctx context.Context) (model.ToolCallingChatModel, error) {
	if r.defaultName == "" {
		return nil, fault.Newf(fault.KindModelUnavailable, "models", "no default model configured")
	}
	return r.Get(ctx, r.defaultName)
}

func (r *Registry) DefaultName() string {
	return r.defaultName
}

// Names lists the configured providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContextWindow returns the context size of the named provider.
func (r *Registry) ContextWindow(name string) int {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return fallbackContextWindow
	}
	return resolveContextWindow(e.cfg)
}

// resolveContextWindow picks explicit config, then model prefix, then the
// driver default.
func resolveContextWindow(cfg config.ProviderConfig) int {
	if cfg.ContextWindow > 0 {
		return cfg.ContextWindow
	}

	best, size := 0, 0
	for prefix, n := range contextWindows {
		if strings.HasPrefix(cfg.Model, prefix) && len(prefix) > best {
			best, size = len(prefix), n
		}
	}
	if size > 0 {
		return size
	}

	if cfg.Driver == "ollama" {
		return 8192
	}
	return fallbackContextWindow
}
