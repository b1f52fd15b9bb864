package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/podex-dev/agentcore/internal/events"
	"github.com/podex-dev/agentcore/internal/fault"
)

// StepRunner carries out one step and returns its result text.
type StepRunner func(ctx context.Context, plan *ExecutionPlan, step *PlanStep) (string, error)

// StepResult is the outcome of one step.
type StepResult struct {
	StepID   string
	Status   StepStatus
	Output   string
	Err      error
	Duration time.Duration
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Planner *Planner
	Run     StepRunner
	Store   Store       // optional; the plan is saved after every change
	Bus     *events.Bus // optional
	// SessionID scopes published events.
	SessionID string
	// MaxParallel bounds concurrent parallel-safe steps.
	MaxParallel int
}

// Executor runs plans step by step.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor creates a plan executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Planner == nil || cfg.Run == nil {
		return nil, errors.New("planner: planner and step runner are required")
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Executor{cfg: cfg}, nil
}

// ExecuteStep runs plan.Steps[index] and records its outcome on the plan.
func (e *Executor) ExecuteStep(ctx context.Context, plan *ExecutionPlan, index int) StepResult {
	step := &plan.Steps[index]
	if step.Status == StepDone {
		return StepResult{StepID: step.ID, Status: StepDone, Output: step.Result}
	}
	step.Status = StepRunning
	start := time.Now()
	out, err := e.cfg.Run(ctx, plan, step)
	res := StepResult{StepID: step.ID, Output: out, Err: err, Duration: time.Since(start)}
	if err != nil {
		step.Status, step.Error = StepFailed, err.Error()
		res.Status = StepFailed
		slog.Warn("plan step failed", "task_id", plan.TaskID, "step", step.ID, "error", err)
		return res
	}
	step.Status, step.Result, step.Error = StepDone, out, ""
	res.Status = StepDone
	slog.Debug("plan step done", "task_id", plan.TaskID, "step", step.ID, "duration", res.Duration)
	return res
}

// Run executes the plan from its first unfinished step. Consecutive
// parallel-safe steps run concurrently. A failed step makes the planner
// revise the rest of the plan, up to its revision cap. The returned plan is
// the latest revision, also on error.
func (e *Executor) Run(ctx context.Context, plan *ExecutionPlan) (*ExecutionPlan, error) {
	if err := plan.Validate(); err != nil {
		return plan, fault.New(fault.KindValidation, "planner.run", err)
	}
	e.save(ctx, plan)

	for {
		if err := ctx.Err(); err != nil {
			return plan, err
		}
		i := plan.NextPending()
		if i < 0 {
			return plan, nil
		}

		j := i + 1
		if plan.Steps[i].ParallelSafe {
			for j < len(plan.Steps) && plan.Steps[j].ParallelSafe && plan.Steps[j].Status != StepDone {
				j++
			}
		}

		failed, cause := e.runGroup(ctx, plan, i, j)
		e.save(ctx, plan)
		if failed < 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return plan, err
		}

		revised, err := e.cfg.Planner.Revise(ctx, plan, failed, cause)
		if err != nil {
			return plan, err
		}
		plan = revised
		e.save(ctx, plan)
		e.publish(plan, events.PlanRevisedPayload{
			Steps:    stepDescriptions(plan),
			Revision: plan.Revision,
			Reason:   cause.Error(),
		})
	}
}

// runGroup runs steps [i, j) and returns the index of the first failed step.
func (e *Executor) runGroup(ctx context.Context, plan *ExecutionPlan, i, j int) (int, error) {
	results := make([]StepResult, j-i)
	if j-i == 1 {
		results[0] = e.ExecuteStep(ctx, plan, i)
	} else {
		var g errgroup.Group
		g.SetLimit(e.cfg.MaxParallel)
		for k := i; k < j; k++ {
			g.Go(func() error {
				results[k-i] = e.ExecuteStep(ctx, plan, k)
				return nil
			})
		}
		_ = g.Wait()
	}
	for k, r := range results {
		if r.Status == StepFailed {
			return i + k, fmt.Errorf("step %s: %w", r.StepID, r.Err)
		}
	}
	return -1, nil
}

// Announce publishes the creation of a plan.
func (e *Executor) Announce(plan *ExecutionPlan) {
	e.publish(plan, events.PlanCreatedPayload{Steps: stepDescriptions(plan), Revision: plan.Revision})
}

func (e *Executor) save(ctx context.Context, plan *ExecutionPlan) {
	if e.cfg.Store == nil {
		return
	}
	if err := e.cfg.Store.SavePlan(ctx, plan); err != nil {
		slog.Warn("save plan failed", "task_id", plan.TaskID, "error", err)
	}
}

func (e *Executor) publish(plan *ExecutionPlan, payload events.EventPayload) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(events.NewTaskEvent(events.SourcePlanner, payload, plan.TaskID, e.cfg.SessionID))
}

func stepDescriptions(plan *ExecutionPlan) []string {
	out := make([]string, len(plan.Steps))
	for i, s := range plan.Steps {
		out[i] = s.Description
	}
	return out
}
