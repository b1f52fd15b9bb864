package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/podex-dev/agentcore/internal/fault"
)

// Rule plans well-known goals without a model. It returns nil when the goal
// does not match.
type Rule func(goal string) []PlanStep

// Request is the input of Plan.
type Request struct {
	TaskID  string
	Goal    string
	Context string   // extra context handed to the model
	Tools   []string // tools the plan may use
}

// Config configures a Planner.
type Config struct {
	Model model.BaseChatModel // optional; without it only rules and single-step plans are produced
	Rules []Rule
	// MaxReplans caps revisions. Zero means 2; a negative value disables
	// revisions.
	MaxReplans int
	Now        func() time.Time
}

func (c *Config) defaults() {
	if c.Rules == nil {
		c.Rules = DefaultRules()
	}
	switch {
	case c.MaxReplans == 0:
		c.MaxReplans = 2
	case c.MaxReplans < 0:
		c.MaxReplans = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Planner produces and revises execution plans.
type Planner struct {
	cfg Config
}

// New creates a planner.
func New(cfg Config) *Planner {
	cfg.defaults()
	return &Planner{cfg: cfg}
}

// MaxReplans returns the revision cap.
func (p *Planner) MaxReplans() int { return p.cfg.MaxReplans }

// Plan builds a plan for req.Goal. Rules are tried first, then the model's
// JSON answer, then a markdown list in the same answer. When all of these
// fail the plan is a single step carrying the goal.
func (p *Planner) Plan(ctx context.Context, req Request) (*ExecutionPlan, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, fault.Newf(fault.KindValidation, "planner.plan", "goal is required")
	}
	now := p.cfg.Now()
	plan := &ExecutionPlan{TaskID: req.TaskID, Goal: req.Goal, CreatedAt: now, UpdatedAt: now}

	for _, rule := range p.cfg.Rules {
		if steps := rule(req.Goal); len(steps) > 0 {
			plan.Steps = normalize(steps, "step")
			plan.Source = "rule"
			return plan, plan.Validate()
		}
	}

	if p.cfg.Model != nil {
		steps, source, err := p.ask(ctx, planPrompt(req))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Warn("planner model call failed, using single step", "task_id", req.TaskID, "error", err)
		} else if len(steps) > 0 {
			plan.Steps = normalize(steps, "step")
			plan.Source = source
			if err := plan.Validate(); err == nil {
				return plan, nil
			}
		}
	}

	plan.Steps = []PlanStep{{ID: "step_1", Description: req.Goal, Status: StepPending}}
	plan.Source = "single"
	return plan, nil
}

// Revise replaces the steps from index failed onwards after a step failure.
// Steps before the failure are kept unchanged.
func (p *Planner) Revise(ctx context.Context, plan *ExecutionPlan, failed int, cause error) (*ExecutionPlan, error) {
	if plan.Revision >= p.cfg.MaxReplans {
		return plan, &fault.Error{
			Kind: fault.KindReplanExhausted,
			Op:   "planner.revise",
			Err:  fmt.Errorf("step %q failed after %d revisions: %w", plan.Steps[failed].ID, plan.Revision, cause),
		}
	}

	next := plan.Clone()
	next.Revision++
	next.UpdatedAt = p.cfg.Now()
	kept := next.Steps[:failed]

	var remaining []PlanStep
	if p.cfg.Model != nil {
		steps, _, err := p.ask(ctx, revisePrompt(plan, failed, cause))
		switch {
		case err != nil && ctx.Err() != nil:
			return plan, ctx.Err()
		case err != nil:
			slog.Warn("planner revise call failed, retrying remaining steps", "task_id", plan.TaskID, "error", err)
		default:
			remaining = steps
		}
	}
	if len(remaining) == 0 {
		remaining = make([]PlanStep, 0, len(plan.Steps)-failed)
		for _, s := range plan.Steps[failed:] {
			s.Status, s.Result, s.Error = StepPending, "", ""
			remaining = append(remaining, s)
		}
	}

	next.Steps = append(kept, normalize(remaining, fmt.Sprintf("r%d_step", next.Revision))...)
	if err := next.Validate(); err != nil {
		return plan, err
	}
	slog.Info("plan revised", "task_id", plan.TaskID, "revision", next.Revision, "kept", failed, "steps", len(next.Steps))
	return next, nil
}

func (p *Planner) ask(ctx context.Context, prompt string) ([]PlanStep, string, error) {
	resp, err := p.cfg.Model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(plannerSystemPrompt),
		schema.UserMessage(prompt),
	})
	if err != nil {
		return nil, "", err
	}
	if steps, err := decodeSteps(resp.Content); err == nil {
		return steps, "model", nil
	}
	if steps := ParseMarkdown(resp.Content); steps != nil {
		return steps, "markdown", nil
	}
	return nil, "", nil
}

// decodeSteps reads {"steps": [...]} from a model answer, tolerating code
// fences and prose around the object.
func decodeSteps(content string) ([]PlanStep, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in answer")
	}
	var out struct {
		Steps []PlanStep `json:"steps" validate:"required,min=1,dive"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, err
	}
	for i := range out.Steps {
		if out.Steps[i].ID == "" {
			out.Steps[i].ID = fmt.Sprintf("step_%d", i+1)
		}
	}
	if err := validate.Struct(&out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

// normalize assigns ids where missing or clashing and resets statuses.
func normalize(steps []PlanStep, prefix string) []PlanStep {
	out := make([]PlanStep, len(steps))
	for i, s := range steps {
		s.ID = fmt.Sprintf("%s_%d", prefix, i+1)
		if s.Status == "" || s.Status == StepRunning {
			s.Status = StepPending
		}
		out[i] = s
	}
	return out
}

const plannerSystemPrompt = `You break a coding task into a short ordered plan.
Answer with a single JSON object and nothing else:
{"steps": [{"description": "...", "tool": "optional tool name", "arguments": {}, "expected_outcome": "...", "parallel_safe": false}]}
Only set "tool" when the step is exactly one call to one of the listed tools.
Mark a step parallel_safe only when it reads state and does not depend on the previous step.`

func planPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	if len(req.Tools) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(req.Tools, ", "))
	}
	if req.Context != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", req.Context)
	}
	return b.String()
}

func revisePrompt(plan *ExecutionPlan, failed int, cause error) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nCurrent plan:\n%s\n", plan.Goal, plan.Summary())
	fmt.Fprintf(&b, "Step %d failed: %v\n", failed+1, cause)
	b.WriteString("Return only the steps that replace the failed step and everything after it.")
	return b.String()
}

var renameRe = regexp.MustCompile("(?i)^\\s*(?:rename|move)\\s+(?:the\\s+)?(?:file\\s+)?[\"'`]?([^\\s\"'`]+)[\"'`]?\\s+to\\s+[\"'`]?([^\\s\"'`]+?)[\"'`]?\\s*\\.?\\s*$")

// DefaultRules returns the built-in heuristic rules.
func DefaultRules() []Rule {
	return []Rule{RenameRule}
}

// RenameRule plans "rename X to Y" as a single rename_file call.
func RenameRule(goal string) []PlanStep {
	m := renameRe.FindStringSubmatch(goal)
	if m == nil {
		return nil
	}
	args, _ := json.Marshal(map[string]string{"from": m[1], "to": m[2]})
	return []PlanStep{{
		Description:     fmt.Sprintf("Rename %s to %s", m[1], m[2]),
		Tool:            "rename_file",
		Arguments:       args,
		ExpectedOutcome: fmt.Sprintf("%s no longer exists and %s holds its content", m[1], m[2]),
	}}
}
