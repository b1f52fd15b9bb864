package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"github.com/podex-dev/agentcore/internal/checkpoint"
	"github.com/podex-dev/agentcore/internal/fault"
	"github.com/podex-dev/agentcore/internal/policy"
	"github.com/podex-dev/agentcore/internal/tools"
	"github.com/podex-dev/agentcore/internal/workspace"
)

// outcome is the tool message content of a call. ok is false when the call
// did not succeed: denied, rejected or failed.
type outcome struct {
	content string
	ok      bool
}

// toolCall is one call to dispatch, from the model or from a plan step.
type toolCall struct {
	id        string
	name      string
	arguments string
	iteration int
	// planStep failures go back to the planner, which bounds them with its
	// revision limit.
	planStep bool
}

// dispatchAll runs the model's tool calls in order and appends one tool
// message per call.
func (r *run) dispatchAll(ctx context.Context, calls []schema.ToolCall) error {
	for _, tc := range calls {
		// Abort is honored between calls; a call already started finishes.
		if err := r.boundary(ctx); err != nil {
			return err
		}
		out, err := r.dispatch(ctx, toolCall{
			id:        tc.ID,
			name:      tc.Function.Name,
			arguments: tc.Function.Arguments,
			iteration: r.iterations,
		})
		if err != nil {
			return err
		}
		msg := &schema.Message{Role: schema.Tool, Content: out.content, ToolCallID: tc.ID}
		if err := r.appendMessage(ctx, msg); err != nil {
			return err
		}
		r.enter(ctx, StateToolResultApplied, fmt.Sprintf("%s result applied", tc.Function.Name))
	}
	return nil
}

// dispatch runs one call and returns what the model sees. The error is
// non-nil only when the task must stop.
func (r *run) dispatch(ctx context.Context, call toolCall) (outcome, error) {
	cfg := r.o.cfg
	key := tools.IdempotencyKey(r.task.ID, call.iteration, call.id)

	if _, done := r.tools.Recorded(ctx, key); done {
		// A previous delivery ran this call; the executor replays its result.
		return r.invoke(ctx, call, key, "")
	}

	if r.toolCalls >= r.budget.MaxToolCalls {
		return outcome{}, fault.Newf(fault.KindBudgetExhausted, "orchestrator",
			"tool call budget of %d exhausted", r.budget.MaxToolCalls)
	}
	r.toolCalls++
	r.enter(ctx, StateToolDispatch, fmt.Sprintf("calling %s", call.name))

	t, ok := r.tools.Registry().Get(call.name)
	if !ok {
		// The executor reports the unknown tool as a validation result.
		return r.invoke(ctx, call, key, "")
	}
	spec := t.Spec()
	args := json.RawMessage(call.arguments)
	changes, err := r.tools.Registry().Changes(call.name, args)
	if err != nil {
		r.log.Debug("tool changes not derivable", "tool", call.name, "error", err)
		changes = nil
	}

	decision, err := r.evaluate(ctx, call, t, changes)
	if err != nil {
		return outcome{}, err
	}
	if decision.Denied {
		r.log.Info("tool call denied by policy", "tool", call.name, "reason", decision.Reason())
		return outcome{content: fmt.Sprintf("[DENIED] Tool %q was not run: %s", call.name, decision.Reason())}, nil
	}
	if decision.NeedsApproval {
		resp, err := r.awaitApproval(ctx, approvalRequest{
			subject: fmt.Sprintf("tool call %s", call.name),
			reason:  orDefault(decision.Reason(), "tool is marked dangerous"),
			details: call.arguments,
		})
		if err != nil {
			return outcome{}, err
		}
		if !resp.Approved {
			return outcome{content: fmt.Sprintf("[REJECTED] Tool %q was rejected by the reviewer: %s",
				call.name, orDefault(resp.Reason, "no reason given"))}, nil
		}
	}

	cpID := ""
	if cfg.Checkpoints != nil && spec.Class == tools.ClassWrite {
		cpID, err = r.beginCheckpoint(ctx, changes)
		if err != nil {
			return outcome{}, err
		}
	}
	return r.invoke(ctx, call, key, cpID)
}

func (r *run) invoke(ctx context.Context, call toolCall, key, cpID string) (outcome, error) {
	cfg := r.o.cfg
	res := r.tools.Invoke(ctx, tools.Call{
		Name:      call.name,
		Arguments: call.arguments,
		Key:       key,
		CallID:    call.id,
		TaskID:    r.task.ID,
		SessionID: r.task.SessionID,
		Allowlist: r.task.ToolAllowlist,
	})
	if cpID != "" {
		r.recordReported(ctx, cpID, res.Changes)
		if err := cfg.Checkpoints.RecordAfter(context.WithoutCancel(ctx), cpID, r.fsys); err != nil {
			r.log.Warn("record checkpoint after-state failed", "checkpoint_id", cpID, "error", err)
		}
	}
	if res.Success {
		return outcome{content: res.Content(), ok: true}, nil
	}
	if ctx.Err() != nil {
		return outcome{}, ctx.Err()
	}
	if call.planStep {
		return outcome{content: fmt.Sprintf("[TOOL_ERROR] Tool %q failed: %v", call.name, res.Err)}, nil
	}
	text, ok := r.corrector.Absorb(call.name, res.Err)
	if !ok {
		kind := res.ErrorKind
		if kind == "" || kind == fault.KindUnknown {
			kind = fault.KindToolExecution
		}
		return outcome{}, &fault.Error{
			Kind:    kind,
			Op:      call.name,
			Err:     fmt.Errorf("tool kept failing: %w", res.Err),
			Partial: res.Partial,
		}
	}
	return outcome{content: text}, nil
}

// evaluate asks the policy engine about a call. Without an engine only the
// tool's dangerous flag requires approval.
func (r *run) evaluate(ctx context.Context, call toolCall, t tools.Tool, changes []checkpoint.FileChange) (*policy.Decision, error) {
	spec := t.Spec()
	if r.o.cfg.Policy == nil {
		return &policy.Decision{NeedsApproval: spec.Dangerous}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(call.arguments), &args); err != nil {
		args = map[string]any{}
	}
	d, err := r.o.cfg.Policy.Evaluate(ctx, policy.Input{
		TaskID:    r.task.ID,
		SessionID: r.task.SessionID,
		Tool: policy.ToolInput{
			Name:      spec.Name,
			Class:     string(spec.Class),
			Target:    string(t.Target()),
			Dangerous: spec.Dangerous,
		},
		Arguments: args,
		Paths:     changedPaths(changes),
	})
	if err != nil {
		return nil, fault.New(fault.KindUnknown, "orchestrator.policy", err)
	}
	if spec.Dangerous && !d.Denied {
		d.NeedsApproval = true
	}
	return d, nil
}

// beginCheckpoint opens a checkpoint and captures the before-state of every
// path the call will change.
func (r *run) beginCheckpoint(ctx context.Context, changes []checkpoint.FileChange) (string, error) {
	cfg := r.o.cfg
	id, err := cfg.Checkpoints.Begin(ctx, r.task.ID, r.task.SessionID)
	if err != nil {
		return "", fmt.Errorf("begin checkpoint: %w", err)
	}
	for _, c := range changes {
		if _, err := cfg.Checkpoints.Capture(ctx, id, r.fsys, c); err != nil {
			return "", fmt.Errorf("capture checkpoint: %w", err)
		}
	}
	return id, nil
}

// recordReported adds the changes a tool observed itself to a checkpoint.
// The first report of a path wins across retried attempts.
func (r *run) recordReported(ctx context.Context, cpID string, changed []workspace.ChangedFile) {
	ctx = context.WithoutCancel(ctx)
	seen := make(map[string]bool, len(changed))
	for _, c := range changed {
		if seen[c.Path] {
			continue
		}
		seen[c.Path] = true
		if c.BeforeOmitted {
			r.log.Warn("change not checkpointed, file too large", "checkpoint_id", cpID, "path", c.Path)
			continue
		}
		var before []byte
		if c.Op != workspace.ChangeCreate {
			data, err := base64.StdEncoding.DecodeString(c.Before)
			if err != nil {
				r.log.Warn("reported before-state unreadable", "checkpoint_id", cpID, "path", c.Path, "error", err)
				continue
			}
			before = data
		}
		change := checkpoint.FileChange{Path: c.Path, Op: checkpoint.Op(c.Op)}
		if err := r.o.cfg.Checkpoints.RecordReported(ctx, cpID, change, before); err != nil {
			r.log.Warn("record reported change failed", "checkpoint_id", cpID, "path", c.Path, "error", err)
		}
	}
}

func changedPaths(changes []checkpoint.FileChange) []string {
	var out []string
	for _, c := range changes {
		out = append(out, c.Path)
		if c.NewPath != "" {
			out = append(out, c.NewPath)
		}
	}
	return out
}
