package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"

	"github.com/podex-dev/agentcore/internal/planner"
)

// runPlan executes a multi-step plan before the final model turn. Goals the
// planner answers with a single free-form step run in the plain loop.
func (r *run) runPlan(ctx context.Context) error {
	cfg := r.o.cfg
	if cfg.Planner == nil {
		return nil
	}

	plan, resumed, err := r.loadPlan(ctx)
	if err != nil {
		return err
	}
	if !planned(plan) {
		return nil
	}
	if resumed && plan.Done() {
		return nil
	}

	exec, err := planner.NewExecutor(planner.ExecutorConfig{
		Planner:   cfg.Planner,
		Run:       r.runStep,
		Store:     cfg.Plans,
		Bus:       cfg.Bus,
		SessionID: r.task.SessionID,
		// Steps share the task's control channel and conversation.
		MaxParallel: 1,
	})
	if err != nil {
		return err
	}
	if !resumed {
		exec.Announce(plan)
	}
	r.enter(ctx, StatePlanning, fmt.Sprintf("executing plan with %d step(s)", len(plan.Steps)))

	planCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)
	r.stopPlan = stop
	defer func() { r.stopPlan = nil }()

	plan, err = exec.Run(planCtx, plan)
	if cause := context.Cause(planCtx); ctx.Err() == nil && cause != nil && !errors.Is(cause, context.Canceled) {
		// A step hit a condition that ends the task.
		return cause
	}
	if err != nil {
		return err
	}
	return r.appendMessage(ctx, schema.UserMessage(planReport(plan)))
}

// loadPlan returns the stored plan of a redelivered task or a new one.
func (r *run) loadPlan(ctx context.Context) (*planner.ExecutionPlan, bool, error) {
	cfg := r.o.cfg
	if cfg.Plans != nil {
		plan, err := cfg.Plans.LoadPlan(ctx, r.task.ID)
		switch {
		case err == nil:
			r.log.Info("resuming stored plan", "revision", plan.Revision, "steps", len(plan.Steps))
			return plan, true, nil
		case !errors.Is(err, planner.ErrPlanNotFound):
			return nil, false, fmt.Errorf("load plan: %w", err)
		}
	}
	plan, err := cfg.Planner.Plan(ctx, planner.Request{
		TaskID: r.task.ID,
		Goal:   r.task.Goal,
		Tools:  r.tools.Registry().Allowed(r.task.ToolAllowlist),
	})
	if err != nil {
		return nil, false, err
	}
	return plan, false, nil
}

// planned reports whether a plan is worth executing step by step.
func planned(plan *planner.ExecutionPlan) bool {
	if len(plan.Steps) > 1 {
		return true
	}
	return len(plan.Steps) == 1 && plan.Steps[0].Tool != ""
}

// stepError is a step failure the planner may revise around.
type stepError struct{ msg string }

func (e *stepError) Error() string { return e.msg }

// runStep carries out one plan step. Steps naming a tool call it directly;
// other steps are handed to the model loop as an instruction. Any other
// error ends the task, so it stops the plan instead of being revised.
func (r *run) runStep(ctx context.Context, plan *planner.ExecutionPlan, step *planner.PlanStep) (string, error) {
	out, err := r.carryOut(ctx, plan, step)
	var soft *stepError
	if err != nil && !errors.As(err, &soft) && r.stopPlan != nil {
		r.stopPlan(err)
	}
	return out, err
}

func (r *run) carryOut(ctx context.Context, plan *planner.ExecutionPlan, step *planner.PlanStep) (string, error) {
	if err := r.boundary(ctx); err != nil {
		return "", err
	}
	if step.Tool != "" {
		out, err := r.dispatch(ctx, toolCall{
			id:        "plan_" + step.ID,
			name:      step.Tool,
			arguments: string(step.Arguments),
			iteration: plan.Revision,
			planStep:  true,
		})
		if err != nil {
			return "", err
		}
		if !out.ok {
			return "", &stepError{msg: out.content}
		}
		return out.content, nil
	}

	instruction := fmt.Sprintf("Carry out this step of the plan: %s", step.Description)
	if step.ExpectedOutcome != "" {
		instruction += "\nExpected outcome: " + step.ExpectedOutcome
	}
	if err := r.appendMessage(ctx, schema.UserMessage(instruction)); err != nil {
		return "", err
	}
	return r.loop(ctx)
}

func planReport(plan *planner.ExecutionPlan) string {
	var b strings.Builder
	b.WriteString("The plan has been executed:\n")
	for i, s := range plan.Steps {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, s.Status, s.Description)
		if s.Result != "" {
			fmt.Fprintf(&b, ": %s", truncate(s.Result, 500))
		}
		b.WriteString("\n")
	}
	b.WriteString("Give the final answer for the goal.")
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
