package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{(.*?)\}\}`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads a JSONC or YAML config file (by extension), expands
// ${{ .Env.VAR }} templates, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes config data. ext selects the format: ".yaml" and ".yml" are
// YAML, anything else is JSON with comments and trailing commas.
func Parse(data []byte, ext string) (*Config, error) {
	expanded, err := expandEnvTemplates(string(data))
	if err != nil {
		return nil, err
	}

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		std, err := hujson.Standardize([]byte(expanded))
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := json.Unmarshal(std, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyDefaults(&cfg)
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Queue.Driver == "redis" && cfg.Queue.Redis.Addr == "" {
		return nil, fmt.Errorf("invalid config: queue.redis.addr is required for the redis driver")
	}
	return &cfg, nil
}

// expandEnvTemplates evaluates every ${{ ... }} block as a text/template
// action with .Env bound to the process environment.
func expandEnvTemplates(s string) (string, error) {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	data := struct{ Env map[string]string }{Env: env}

	var firstErr error
	out := envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		inner := envTemplateRe.FindStringSubmatch(match)[1]
		tmpl, err := template.New("env").Option("missingkey=zero").Parse("{{" + inner + "}}")
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("config template %q: %w", match, err)
			}
			return match
		}
		var b strings.Builder
		if err := tmpl.Execute(&b, data); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("config template %q: %w", match, err)
			}
			return match
		}
		return b.String()
	})
	return out, firstErr
}

// applyDefaults fills in zero-value fields.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Prefix == "" {
		cfg.Queue.Prefix = "podex"
	}
	if cfg.Queue.Lease == 0 {
		cfg.Queue.Lease = Duration(30 * time.Second)
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(PodexPath(), "podex.db")
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 8
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = Duration(5 * time.Second)
	}
	if cfg.Storage.BlobDir == "" {
		cfg.Storage.BlobDir = filepath.Join(PodexPath(), "blobs")
	}
	if cfg.Workspace.Timeout == 0 {
		cfg.Workspace.Timeout = Duration(60 * time.Second)
	}
	if cfg.Workspace.Listen == "" {
		cfg.Workspace.Listen = "127.0.0.1:18430"
	}
	if cfg.Worker.ID == "" {
		host, _ := os.Hostname()
		cfg.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = Duration(time.Second)
	}
	if cfg.Worker.MaxDeliveries == 0 {
		cfg.Worker.MaxDeliveries = 3
	}
	if cfg.Worker.KeepCheckpoints == 0 {
		cfg.Worker.KeepCheckpoints = 50
	}
	if cfg.Worker.HeartbeatDir == "" {
		cfg.Worker.HeartbeatDir = filepath.Join(PodexPath(), "workers")
	}
	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 25
	}
	if cfg.Orchestrator.MaxToolCalls == 0 {
		cfg.Orchestrator.MaxToolCalls = 50
	}
	if cfg.Orchestrator.MaxToolErrors == 0 {
		cfg.Orchestrator.MaxToolErrors = 3
	}
	if cfg.Orchestrator.ConfidenceThreshold == 0 {
		cfg.Orchestrator.ConfidenceThreshold = 0.5
	}
	if cfg.Context.Tokenizer == "" {
		cfg.Context.Tokenizer = "tiktoken"
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	// Auth resolution is deferred to models.ResolveAuth() at model init time.
}
