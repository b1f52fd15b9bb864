// Package storetest runs the same behavioral checks against every store
// backend.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podex-dev/agentcore/internal/checkpoint"
	"github.com/podex-dev/agentcore/internal/planner"
	"github.com/podex-dev/agentcore/internal/tasks"
	"github.com/podex-dev/agentcore/internal/tools"
)

// Backend is the full set of store interfaces a backend implements.
type Backend interface {
	tasks.Store
	checkpoint.Store
	planner.Store
	tools.InvocationStore
}

// Run exercises a backend. newBackend must return an empty store.
func Run(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("tasks", func(t *testing.T) { testTasks(t, newBackend(t)) })
	t.Run("progress", func(t *testing.T) { testProgress(t, newBackend(t)) })
	t.Run("transcripts", func(t *testing.T) { testTranscripts(t, newBackend(t)) })
	t.Run("plans", func(t *testing.T) { testPlans(t, newBackend(t)) })
	t.Run("checkpoints", func(t *testing.T) { testCheckpoints(t, newBackend(t)) })
	t.Run("invocations", func(t *testing.T) { testInvocations(t, newBackend(t)) })
}

func newTask(id, session string, created time.Time) *tasks.Task {
	return &tasks.Task{
		ID:            id,
		SessionID:     session,
		Goal:          "goal of " + id,
		Status:        tasks.StatusQueued,
		ToolAllowlist: []string{"read_file"},
		Budget:        tasks.Budget{MaxIterations: 5},
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func testTasks(t *testing.T, s Backend) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.Create(ctx, newTask("task_b", "s1", base.Add(time.Second))))
	require.NoError(t, s.Create(ctx, newTask("task_a", "s1", base)))
	require.NoError(t, s.Create(ctx, newTask("task_c", "s2", base.Add(2*time.Second))))
	require.Error(t, s.Create(ctx, newTask("task_a", "s1", base)), "duplicate id")

	got, err := s.Get(ctx, "task_a")
	require.NoError(t, err)
	assert.Equal(t, "goal of task_a", got.Goal)
	assert.Equal(t, []string{"read_file"}, got.ToolAllowlist)
	assert.Equal(t, 5, got.Budget.MaxIterations)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, tasks.ErrTaskNotFound)

	list, err := s.List(ctx, tasks.ListFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "task_a", list[0].ID, "oldest first")

	require.NoError(t, got.Transition(tasks.StatusRunning))
	got.WorkerID = "w1"
	got.DeliveryCount = 2
	require.NoError(t, s.Update(ctx, got))

	running, err := s.List(ctx, tasks.ListFilter{Status: tasks.StatusRunning, WorkerID: "w1"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, 2, running[0].DeliveryCount)
	require.NotNil(t, running[0].StartedAt)

	require.NoError(t, got.Transition(tasks.StatusFailed))
	got.ErrorKind, got.Error = "validation", "bad input"
	require.NoError(t, s.Update(ctx, got))
	got, err = s.Get(ctx, "task_a")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Equal(t, "bad input", got.Error)
	require.NotNil(t, got.CompletedAt)

	limited, err := s.List(ctx, tasks.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	assert.ErrorIs(t, s.Update(ctx, newTask("ghost", "s1", base)), tasks.ErrTaskNotFound)
}

func testProgress(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "s1", time.Now())))

	for i, state := range []string{"received", "context_loaded", "awaiting_model"} {
		rec, err := s.AppendProgress(ctx, tasks.ProgressRecord{TaskID: "t1", State: state, Status: "running"})
		require.NoError(t, err)
		assert.Equal(t, i+1, rec.Seq)
	}
	recs, err := s.ListProgress(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "context_loaded", recs[1].State)
	assert.False(t, recs[2].Ts.IsZero())

	none, err := s.ListProgress(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testTranscripts(t *testing.T, s Backend) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newTask("t1", "s1", time.Now())))

	empty, err := s.LoadTranscript(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, empty)

	msgs := []*schema.Message{
		schema.UserMessage("rename a to b"),
		schema.AssistantMessage("", []schema.ToolCall{{
			ID:       "call_1",
			Function: schema.FunctionCall{Name: "rename_file", Arguments: `{"from":"a","to":"b"}`},
		}}),
		schema.ToolMessage(`{"from":"a","to":"b"}`, "call_1", schema.WithToolName("rename_file")),
	}
	require.NoError(t, s.SaveTranscript(ctx, "t1", msgs))
	msgs[0].Content = "mutated after save"

	got, err := s.LoadTranscript(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "rename a to b", got[0].Content)
	require.Len(t, got[1].ToolCalls, 1)
	assert.Equal(t, "rename_file", got[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1", got[2].ToolCallID)
	assert.Equal(t, schema.Tool, got[2].Role)

	require.NoError(t, s.SaveTranscript(ctx, "t1", got[:1]))
	got, err = s.LoadTranscript(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, got, 1, "save replaces the transcript")
}

func testPlans(t *testing.T, s Backend) {
	ctx := context.Background()
	_, err := s.LoadPlan(ctx, "t1")
	assert.ErrorIs(t, err, planner.ErrPlanNotFound)

	plan := &planner.ExecutionPlan{
		TaskID: "t1",
		Goal:   "g",
		Source: "model",
		Steps: []planner.PlanStep{
			{ID: "step_1", Description: "read", Tool: "read_file", Arguments: json.RawMessage(`{"path":"a"}`), Status: planner.StepDone},
			{ID: "step_2", Description: "write", Status: planner.StepPending, ParallelSafe: true},
		},
	}
	require.NoError(t, s.SavePlan(ctx, plan))
	plan.Revision = 1
	plan.Steps[1].Status = planner.StepFailed
	require.NoError(t, s.SavePlan(ctx, plan))

	got, err := s.LoadPlan(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Revision)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, planner.StepFailed, got.Steps[1].Status)
	assert.JSONEq(t, `{"path":"a"}`, string(got.Steps[0].Arguments))
	assert.True(t, got.Steps[1].ParallelSafe)
}

func testCheckpoints(t *testing.T, s Backend) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for _, seq := range []int{2, 1, 3} {
		require.NoError(t, s.CreateCheckpoint(ctx, &checkpoint.Checkpoint{
			ID: fmt.Sprintf("cp_%d", seq), TaskID: "t1", SessionID: "s1", Seq: seq, CreatedAt: now,
		}))
	}
	require.NoError(t, s.CreateCheckpoint(ctx, &checkpoint.Checkpoint{ID: "other", SessionID: "s2", Seq: 1, CreatedAt: now}))

	list, err := s.ListCheckpoints(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"cp_1", "cp_2", "cp_3"}, []string{list[0].ID, list[1].ID, list[2].ID})

	cp := list[0]
	cp.Changes = append(cp.Changes, checkpoint.FileChange{Path: "a.go", Op: checkpoint.OpModify, BeforeRef: "ref1", Tool: "write_file"})
	cp.Invalidated = true
	restored := now.Add(time.Minute)
	cp.RestoredAt = &restored
	require.NoError(t, s.UpdateCheckpoint(ctx, cp))

	got, err := s.GetCheckpoint(ctx, "cp_1")
	require.NoError(t, err)
	require.Len(t, got.Changes, 1)
	assert.Equal(t, "ref1", got.Changes[0].BeforeRef)
	assert.True(t, got.Invalidated)
	require.NotNil(t, got.RestoredAt)
	assert.True(t, got.RestoredAt.Equal(restored))

	require.NoError(t, s.DeleteCheckpoint(ctx, "cp_1"))
	_, err = s.GetCheckpoint(ctx, "cp_1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	assert.ErrorIs(t, s.UpdateCheckpoint(ctx, cp), checkpoint.ErrNotFound)
}

func testInvocations(t *testing.T, s Backend) {
	ctx := context.Background()
	_, err := s.GetInvocation(ctx, "t1:1:c1")
	assert.ErrorIs(t, err, tools.ErrInvocationNotFound)

	failed := &tools.Invocation{
		ID: "inv1", Key: "t1:1:c1", TaskID: "t1", Tool: "write_file",
		Arguments: json.RawMessage(`{"path":"a"}`), Target: tools.TargetRemote,
		ErrorKind: "transient", Error: "reset", Attempts: 3, CreatedAt: time.Now(),
	}
	require.NoError(t, s.SaveInvocation(ctx, failed))

	ok := *failed
	ok.ID, ok.Success, ok.Output, ok.ErrorKind, ok.Error = "inv2", true, `{"bytes":1}`, "", ""
	require.NoError(t, s.SaveInvocation(ctx, &ok))

	again := ok
	again.ID, again.Output = "inv3", `{"bytes":2}`
	require.NoError(t, s.SaveInvocation(ctx, &again))

	got, err := s.GetInvocation(ctx, "t1:1:c1")
	require.NoError(t, err)
	assert.Equal(t, "inv2", got.ID, "a successful invocation is never replaced")
	assert.True(t, got.Success)
	assert.Equal(t, tools.TargetRemote, got.Target)
	assert.JSONEq(t, `{"path":"a"}`, string(got.Arguments))
}
