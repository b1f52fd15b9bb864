// Package policy decides whether a tool call may run, must wait for human
// approval, or is refused outright. Rules are Rego modules evaluated locally
// by OPA: a "deny" set refuses the call, a "require_approval" set parks it
// until a human answers.
package policy

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/spf13/afero"
)

// Package is the Rego package every policy module must declare.
const Package = "podex.policy"

//go:embed rego/*.rego
var builtin embed.FS

// Input is what a rule sees as `input`.
type Input struct {
	TaskID    string         `json:"task_id"`
	SessionID string         `json:"session_id"`
	Tool      ToolInput      `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	// Paths lists every workspace path the call would change.
	Paths []string `json:"paths"`
}

type ToolInput struct {
	Name      string `json:"name"`
	Class     string `json:"class"`
	Target    string `json:"target"`
	Dangerous bool   `json:"dangerous"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	ID            string   `json:"id"`
	Denied        bool     `json:"denied"`
	NeedsApproval bool     `json:"needs_approval"`
	Violations    []string `json:"violations,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`
}

// Reason joins the messages that produced the decision.
func (d *Decision) Reason() string {
	if d.Denied {
		return strings.Join(d.Violations, "; ")
	}
	return strings.Join(d.Reasons, "; ")
}

// Module is a named Rego source.
type Module struct {
	Name    string
	Content string
}

// Config configures an Engine.
type Config struct {
	// Dir holds extra .rego files loaded next to the built-in rules.
	Dir string
	Fs  afero.Fs
	// SkipBuiltin drops the embedded default rules.
	SkipBuiltin bool
	Modules     []Module
}

// Engine evaluates tool calls against prepared Rego queries.
type Engine struct {
	modules []Module
	query   rego.PreparedEvalQuery
}

// New loads and compiles the configured modules.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	var modules []Module
	if !cfg.SkipBuiltin {
		defaults, err := loadDir(afero.FromIOFS{FS: builtin}, "rego")
		if err != nil {
			return nil, fmt.Errorf("load built-in policies: %w", err)
		}
		modules = append(modules, defaults...)
	}
	if cfg.Dir != "" {
		fsys := cfg.Fs
		if fsys == nil {
			fsys = afero.NewOsFs()
		}
		extra, err := loadDir(fsys, cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("load policies from %s: %w", cfg.Dir, err)
		}
		modules = append(modules, extra...)
	}
	modules = append(modules, cfg.Modules...)

	opts := []func(*rego.Rego){rego.Query("data." + Package)}
	for _, m := range modules {
		opts = append(opts, rego.Module(m.Name, m.Content))
	}
	q, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile policies: %w", err)
	}
	slog.Debug("policy engine ready", "modules", len(modules))
	return &Engine{modules: modules, query: q}, nil
}

// Modules returns the names of the loaded modules.
func (e *Engine) Modules() []string {
	names := make([]string, len(e.modules))
	for i, m := range e.modules {
		names[i] = m.Name
	}
	return names
}

// Evaluate runs the deny and approval rules against in.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, fmt.Errorf("evaluate policies: %w", err)
	}
	var doc map[string]any
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		doc, _ = rs[0].Expressions[0].Value.(map[string]any)
	}
	violations := stringSet(doc["deny"])
	reasons := stringSet(doc["require_approval"])
	d := &Decision{
		ID:            uuid.New().String(),
		Denied:        len(violations) > 0,
		NeedsApproval: len(violations) == 0 && len(reasons) > 0,
		Violations:    violations,
		Reasons:       reasons,
	}
	if d.Denied || d.NeedsApproval {
		slog.Info("policy decision",
			"decision_id", d.ID,
			"task_id", in.TaskID,
			"tool", in.Tool.Name,
			"denied", d.Denied,
			"needs_approval", d.NeedsApproval,
		)
	}
	return d, nil
}

// stringSet reads a Rego set of strings, which OPA returns as a slice.
func stringSet(v any) []string {
	items, _ := v.([]any)
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func loadDir(fsys afero.Fs, dir string) ([]Module, error) {
	exists, err := afero.DirExists(fsys, dir)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	var modules []Module
	err = afero.Walk(fsys, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || path.Ext(info.Name()) != ".rego" {
			return nil
		}
		data, err := afero.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		modules = append(modules, Module{Name: p, Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modules, nil
}
