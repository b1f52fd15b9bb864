package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/podex-dev/agentcore/internal/planner"
	"github.com/podex-dev/agentcore/internal/tools"
)

// SavePlan stores the latest revision of a task's plan.
func (r *Repository) SavePlan(ctx context.Context, plan *planner.ExecutionPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO plans (task_id, revision, plan, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET revision = excluded.revision, plan = excluded.plan, updated_at = excluded.updated_at`,
		plan.TaskID, plan.Revision, string(data), unixNano(time.Now()))
	if err != nil {
		return fmt.Errorf("could not save plan: %w", err)
	}
	return nil
}

// LoadPlan returns a task's plan.
func (r *Repository) LoadPlan(ctx context.Context, taskID string) (*planner.ExecutionPlan, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT plan FROM plans WHERE task_id = ?`, taskID).Scan(&data)
	if err != nil {
		return nil, notFound(err, planner.ErrPlanNotFound, taskID)
	}
	var plan planner.ExecutionPlan
	if err := json.Unmarshal([]byte(data), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

// GetInvocation returns the invocation recorded under an idempotency key.
func (r *Repository) GetInvocation(ctx context.Context, key string) (*tools.Invocation, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT record FROM tool_invocations WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tools.ErrInvocationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not query invocation: %w", err)
	}
	var inv tools.Invocation
	if err := json.Unmarshal([]byte(data), &inv); err != nil {
		return nil, fmt.Errorf("decode invocation: %w", err)
	}
	return &inv, nil
}

// SaveInvocation records inv under its key. A successful record is never
// replaced.
func (r *Repository) SaveInvocation(ctx context.Context, inv *tools.Invocation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("encode invocation: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO tool_invocations (key, id, task_id, tool, success, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			id = excluded.id, success = excluded.success, record = excluded.record, created_at = excluded.created_at
		WHERE tool_invocations.success = 0`,
		inv.Key, inv.ID, inv.TaskID, inv.Tool, inv.Success, string(data), unixNano(inv.CreatedAt))
	if err != nil {
		return fmt.Errorf("could not save invocation: %w", err)
	}
	return nil
}
