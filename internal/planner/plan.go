// Package planner turns a goal into an ordered execution plan and runs it
// step by step, revising the remainder when a step fails.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrPlanNotFound is returned by a Store for tasks without a plan.
var ErrPlanNotFound = errors.New("plan not found")

// StepStatus is the lifecycle of one plan step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// PlanStep is one unit of work. Tool and Arguments are set when the step maps
// to a single tool call; otherwise the step is carried out by the model.
type PlanStep struct {
	ID              string          `json:"id" validate:"required"`
	Description     string          `json:"description" validate:"required"`
	Tool            string          `json:"tool,omitempty"`
	Arguments       json.RawMessage `json:"arguments,omitempty"`
	ExpectedOutcome string          `json:"expected_outcome,omitempty"`
	ParallelSafe    bool            `json:"parallel_safe,omitempty"`
	Status          StepStatus      `json:"status"`
	Result          string          `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
}

// ExecutionPlan is an ordered list of steps for one task.
type ExecutionPlan struct {
	TaskID    string     `json:"task_id"`
	Goal      string     `json:"goal"`
	Steps     []PlanStep `json:"steps" validate:"required,min=1,dive"`
	Revision  int        `json:"revision"`
	Source    string     `json:"source"` // "model", "markdown", "rule" or "single"
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store persists plans so a redelivered task resumes where it stopped.
type Store interface {
	SavePlan(ctx context.Context, plan *ExecutionPlan) error
	LoadPlan(ctx context.Context, taskID string) (*ExecutionPlan, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the plan's structure.
func (p *ExecutionPlan) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if seen[s.ID] {
			return fmt.Errorf("invalid plan: duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Done reports whether every step completed.
func (p *ExecutionPlan) Done() bool {
	for _, s := range p.Steps {
		if s.Status != StepDone {
			return false
		}
	}
	return true
}

// NextPending returns the index of the first step not yet done, or -1.
func (p *ExecutionPlan) NextPending() int {
	for i, s := range p.Steps {
		if s.Status != StepDone {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		if s.Arguments != nil {
			s.Arguments = append(json.RawMessage(nil), s.Arguments...)
		}
		cp.Steps[i] = s
	}
	return &cp
}

// Summary renders the plan as a numbered list for prompts and logs.
func (p *ExecutionPlan) Summary() string {
	var out []byte
	for i, s := range p.Steps {
		out = fmt.Appendf(out, "%d. [%s] %s\n", i+1, s.Status, s.Description)
	}
	return string(out)
}
