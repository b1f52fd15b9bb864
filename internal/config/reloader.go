package config

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
)

// ReloaderConfig configures a Reloader.
type ReloaderConfig struct {
	ConfigPath string
	DotenvPath string
	Initial    *Config
	// Prepare runs on every freshly loaded config before it is swapped in,
	// e.g. to decrypt sealed values. An error aborts the reload.
	Prepare func(*Config) error
}

// Reloader re-reads the config on demand. A running worker applies only the
// log level; changes elsewhere are reported through RestartRequired.
type Reloader struct {
	cfg       ReloaderConfig
	current   atomic.Pointer[Config]
	mu        sync.Mutex
	listeners []func(old, updated *Config)
}

// NewReloader creates a Reloader holding cfg.Initial.
func NewReloader(cfg ReloaderConfig) *Reloader {
	r := &Reloader{cfg: cfg}
	r.current.Store(cfg.Initial)
	return r
}

// Current returns the config in effect.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// OnReload registers fn to run after every successful reload.
func (r *Reloader) OnReload(fn func(old, updated *Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the .env file (overriding), then the config. A config
// that fails to load, validate or prepare leaves the current one in place.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ReloadDotenv(r.cfg.DotenvPath); err != nil {
		return fmt.Errorf("reload dotenv: %w", err)
	}
	updated, err := Load(r.cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	if r.cfg.Prepare != nil {
		if err := r.cfg.Prepare(updated); err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
	}

	old := r.current.Swap(updated)
	slog.Info("config reloaded", "path", r.cfg.ConfigPath)
	if sections := RestartRequired(old, updated); len(sections) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", sections)
	}

	for _, fn := range r.listeners {
		fn(old, updated)
	}
	return nil
}

// RestartRequired lists the sections other than log that differ between
// old and updated.
func RestartRequired(old, updated *Config) []string {
	if old == nil || updated == nil {
		return nil
	}
	var out []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	check("models", old.Models, updated.Models)
	check("storage", old.Storage, updated.Storage)
	check("queue", old.Queue, updated.Queue)
	check("worker", old.Worker, updated.Worker)
	check("workspace", old.Workspace, updated.Workspace)
	check("orchestrator", old.Orchestrator, updated.Orchestrator)
	check("retry", old.Retry, updated.Retry)
	check("context", old.Context, updated.Context)
	check("policy", old.Policy, updated.Policy)
	check("events", old.Events, updated.Events)
	return out
}
