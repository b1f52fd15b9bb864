package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of a Podex worker process.
type Config struct {
	Log          LogConfig          `json:"log" yaml:"log"`
	Models       ModelsConfig       `json:"models" yaml:"models"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Workspace    WorkspaceConfig    `json:"workspace" yaml:"workspace"`
	Worker       WorkerConfig       `json:"worker" yaml:"worker"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Retry        RetryConfig        `json:"retry" yaml:"retry"`
	Context      ContextConfig      `json:"context" yaml:"context"`
	Policy       PolicyConfig       `json:"policy" yaml:"policy"`
	Events       EventsConfig       `json:"events" yaml:"events"`
}

// LogConfig sets the default slog level ("debug", "info", "warn", "error").
type LogConfig struct {
	Level string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default" yaml:"default"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers" validate:"dive"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver        string         `json:"driver" yaml:"driver" validate:"required,oneof=anthropic openai mistral ollama gemini"`
	Model         string         `json:"model" yaml:"model"`
	BaseURL       string         `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Auth          AuthConfig     `json:"auth" yaml:"auth"`
	MaxTokens     int            `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty" validate:"gte=0"`
	ContextWindow int            `json:"context_window,omitempty" yaml:"context_window,omitempty" validate:"gte=0"`
	Timeout       Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Options       map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"` // direct key or ${{ .Env.VAR }} template
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`     // bearer token
}

// QueueConfig selects the task queue backend.
type QueueConfig struct {
	Driver string      `json:"driver" yaml:"driver" validate:"oneof=memory redis"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
	Prefix string      `json:"prefix" yaml:"prefix"`
	Lease  Duration    `json:"lease" yaml:"lease"`
}

type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db" validate:"gte=0"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver       string   `json:"driver" yaml:"driver" validate:"oneof=memory sqlite"`
	Path         string   `json:"path" yaml:"path"`
	MaxOpenConns int      `json:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	BusyTimeout  Duration `json:"busy_timeout" yaml:"busy_timeout"`
	BlobDir      string   `json:"blob_dir" yaml:"blob_dir"`
	// EventLogDir receives one JSONL file of bus events per task. Empty
	// disables the log.
	EventLogDir   string `json:"event_log_dir" yaml:"event_log_dir"`
	VerboseEvents bool   `json:"verbose_events" yaml:"verbose_events"`
}

// WorkspaceConfig points at the workspace tool endpoint, and configures it
// when this process serves one.
type WorkspaceConfig struct {
	URL     string   `json:"url" yaml:"url" validate:"omitempty,url"`
	ID      string   `json:"id" yaml:"id"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
	Listen  string   `json:"listen" yaml:"listen"`
	Root    string   `json:"root" yaml:"root"`
	// Endpoints maps workspace IDs to their own tool endpoints. Other IDs
	// are sent to URL.
	Endpoints map[string]string `json:"endpoints" yaml:"endpoints" validate:"dive,url"`
}

type WorkerConfig struct {
	ID            string   `json:"id" yaml:"id"`
	Concurrency   int      `json:"concurrency" yaml:"concurrency" validate:"gte=0"`
	PollInterval  Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxDeliveries int      `json:"max_deliveries" yaml:"max_deliveries" validate:"gte=0"`
	// PruneSchedule is a cron expression for checkpoint pruning. Empty
	// disables it.
	PruneSchedule   string `json:"prune_schedule" yaml:"prune_schedule"`
	KeepCheckpoints int    `json:"keep_checkpoints" yaml:"keep_checkpoints" validate:"gte=0"`
	// HeartbeatDir receives one liveness file per worker.
	HeartbeatDir string `json:"heartbeat_dir" yaml:"heartbeat_dir"`
}

// OrchestratorConfig drives the per-task state machine. MaxReplans and
// ApprovalTimeout have no built-in default and must be set.
type OrchestratorConfig struct {
	MaxReplans          *int     `json:"max_replans" yaml:"max_replans" validate:"required,gte=0"`
	ApprovalTimeout     Duration `json:"approval_timeout" yaml:"approval_timeout" validate:"required"`
	MaxIterations       int      `json:"max_iterations" yaml:"max_iterations" validate:"gte=0"`
	MaxTokens           int      `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	MaxToolCalls        int      `json:"max_tool_calls" yaml:"max_tool_calls" validate:"gte=0"`
	MaxToolErrors       int      `json:"max_tool_errors" yaml:"max_tool_errors" validate:"gte=0"`
	ConfidenceThreshold float64  `json:"confidence_threshold" yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	Planning            bool     `json:"planning" yaml:"planning"`
	SystemPrompt        string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// RetryConfig applies to model calls and tool calls. Tools overrides it per
// tool name; unset fields of an override inherit from the outer settings.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts" validate:"gte=0"`
	Policy      string   `json:"policy" yaml:"policy" validate:"omitempty,oneof=fixed exponential"`
	BaseDelay   Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay    Duration `json:"max_delay" yaml:"max_delay"`
	// Retryable lists the error kinds that are retried. Empty means
	// transient_network and rate_limit.
	Retryable []string               `json:"retryable,omitempty" yaml:"retryable,omitempty" validate:"dive,oneof=transient_network rate_limit invalid_input tool_internal unknown"`
	Tools     map[string]RetryConfig `json:"tools,omitempty" yaml:"tools,omitempty" validate:"dive"`
}

// ForTool returns the settings of a tool, with its override applied.
func (c RetryConfig) ForTool(name string) RetryConfig {
	o, ok := c.Tools[name]
	out := c
	out.Tools = nil
	if !ok {
		return out
	}
	if o.MaxAttempts != 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	if o.Policy != "" {
		out.Policy = o.Policy
	}
	if o.BaseDelay != 0 {
		out.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay != 0 {
		out.MaxDelay = o.MaxDelay
	}
	if o.Retryable != nil {
		out.Retryable = o.Retryable
	}
	return out
}

type ContextConfig struct {
	Budget       int     `json:"budget" yaml:"budget" validate:"gte=0"`
	Threshold    float64 `json:"threshold" yaml:"threshold" validate:"gte=0,lte=1"`
	KeepRecent   int     `json:"keep_recent" yaml:"keep_recent" validate:"gte=0"`
	SafetyMargin float64 `json:"safety_margin" yaml:"safety_margin" validate:"gte=0"`
	Tokenizer    string  `json:"tokenizer" yaml:"tokenizer" validate:"omitempty,oneof=tiktoken heuristic"`
}

type PolicyConfig struct {
	Dir            string `json:"dir" yaml:"dir"`
	DisableBuiltin bool   `json:"disable_builtin" yaml:"disable_builtin"`
}

type EventsConfig struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size" validate:"gte=0"`
}

// Duration wraps time.Duration for JSON and YAML unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
