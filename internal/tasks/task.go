// Package tasks holds the task model shared by the queue, the worker and the
// orchestrator, plus the persistence interface for it.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// transitions lists the statuses each non-terminal status may move to.
// Running and paused tasks go back to queued when their worker is lost.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusFailed, StatusAborted},
	StatusRunning: {StatusPaused, StatusQueued, StatusSucceeded, StatusFailed, StatusAborted},
	StatusPaused:  {StatusRunning, StatusQueued, StatusFailed, StatusAborted},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Budget bounds how much work a task may consume.
type Budget struct {
	MaxIterations int `json:"max_iterations,omitempty" validate:"gte=0"`
	MaxTokens     int `json:"max_tokens,omitempty" validate:"gte=0"`
	MaxToolCalls  int `json:"max_tool_calls,omitempty" validate:"gte=0"`
}

// WithDefaults fills zero fields from def.
func (b Budget) WithDefaults(def Budget) Budget {
	if b.MaxIterations == 0 {
		b.MaxIterations = def.MaxIterations
	}
	if b.MaxTokens == 0 {
		b.MaxTokens = def.MaxTokens
	}
	if b.MaxToolCalls == 0 {
		b.MaxToolCalls = def.MaxToolCalls
	}
	return b
}

// Payload is the wire form of a task on the queue.
type Payload struct {
	TaskID        string   `json:"task_id" validate:"required"`
	SessionID     string   `json:"session_id" validate:"required"`
	Goal          string   `json:"goal" validate:"required"`
	ToolAllowlist []string `json:"tool_allowlist"`
	Budget        Budget   `json:"budget"`
	UserID        string   `json:"user_id,omitempty"`
	WorkspaceID   string   `json:"workspace_id,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the payload's required fields.
func (p Payload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid task payload: %w", err)
	}
	return nil
}

// DecodePayload parses and validates a queue payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode task payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Task represents one unit of agent work from goal to terminal outcome.
type Task struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	UserID        string     `json:"user_id,omitempty"`
	WorkspaceID   string     `json:"workspace_id,omitempty"`
	Goal          string     `json:"goal"`
	Status        Status     `json:"status"`
	ToolAllowlist []string   `json:"tool_allowlist,omitempty"`
	Budget        Budget     `json:"budget"`
	WorkerID      string     `json:"worker_id,omitempty"`
	DeliveryCount int        `json:"delivery_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Result        string     `json:"result,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// NewFromPayload builds a queued task from its wire form.
func NewFromPayload(p Payload) *Task {
	now := time.Now()
	return &Task{
		ID:            p.TaskID,
		SessionID:     p.SessionID,
		UserID:        p.UserID,
		WorkspaceID:   p.WorkspaceID,
		Goal:          p.Goal,
		Status:        StatusQueued,
		ToolAllowlist: p.ToolAllowlist,
		Budget:        p.Budget,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Payload returns the wire form of the task.
func (t *Task) Payload() Payload {
	return Payload{
		TaskID:        t.ID,
		SessionID:     t.SessionID,
		Goal:          t.Goal,
		ToolAllowlist: t.ToolAllowlist,
		Budget:        t.Budget,
		UserID:        t.UserID,
		WorkspaceID:   t.WorkspaceID,
	}
}

// Transition moves the task to status to. A terminal task never changes
// status again.
func (t *Task) Transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	now := time.Now()
	if to == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.Terminal() {
		t.CompletedAt = &now
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// ProgressRecord is one persisted progress event of a task.
type ProgressRecord struct {
	TaskID      string    `json:"task_id"`
	Seq         int       `json:"seq"`
	State       string    `json:"state"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Ts          time.Time `json:"ts"`
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}
