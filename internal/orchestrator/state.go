package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/podex-dev/agentcore/internal/checkpoint"
	"github.com/podex-dev/agentcore/internal/contextwin"
	"github.com/podex-dev/agentcore/internal/progress"
	"github.com/podex-dev/agentcore/internal/queue"
	"github.com/podex-dev/agentcore/internal/retry"
	"github.com/podex-dev/agentcore/internal/tasks"
	"github.com/podex-dev/agentcore/internal/tools"
)

// State is a step of the task state machine. Terminal states reuse the
// task status names.
type State string

const (
	StateReceived          State = "received"
	StateContextLoaded     State = "context_loaded"
	StatePlanning          State = "planning"
	StateAwaitingModel     State = "awaiting_model"
	StateModelResponded    State = "model_responded"
	StateToolDispatch      State = "tool_dispatch"
	StateToolResultApplied State = "tool_result_applied"
	StateAwaitingApproval  State = "awaiting_approval"
	StatePaused            State = "paused"
	StateFinalizing        State = "finalizing"
)

var errAborted = errors.New("task aborted")

// run is the state of one task execution. It is owned by a single
// goroutine.
type run struct {
	o         *Orchestrator
	task      *tasks.Task
	budget    tasks.Budget
	signals   <-chan queue.Signal
	corrector *retry.Corrector
	log       *slog.Logger
	tools     *tools.Executor
	fsys      checkpoint.FileSystem

	llm        model.ToolCallingChatModel
	win        *contextwin.Window
	transcript []*schema.Message

	stopPlan context.CancelCauseFunc

	state      State
	step       int
	iterations int
	toolCalls  int
	tokens     int
	reprompted bool
}

func (r *run) nextStep() int {
	r.step++
	return r.step
}

// enter moves to state s and records a progress event for it.
func (r *run) enter(ctx context.Context, s State, description string) {
	r.state = s
	r.log.Debug("task state", "state", s, "description", description)
	r.o.cfg.Progress.Record(ctx, r.task.ID, r.task.SessionID, progress.Update{
		State:       string(s),
		Description: description,
		Status:      string(r.task.Status),
		Step:        r.nextStep(),
	})
}
