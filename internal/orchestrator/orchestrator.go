// Package orchestrator drives one task from its goal to a terminal state:
// it loads the conversation, asks the model for the next action, runs tool
// calls through the executor and repeats until the model answers, the task
// is aborted or a budget runs out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/podex-dev/agentcore/internal/checkpoint"
	"github.com/podex-dev/agentcore/internal/contextwin"
	"github.com/podex-dev/agentcore/internal/events"
	"github.com/podex-dev/agentcore/internal/fault"
	"github.com/podex-dev/agentcore/internal/planner"
	"github.com/podex-dev/agentcore/internal/policy"
	"github.com/podex-dev/agentcore/internal/progress"
	"github.com/podex-dev/agentcore/internal/queue"
	"github.com/podex-dev/agentcore/internal/retry"
	"github.com/podex-dev/agentcore/internal/tasks"
	"github.com/podex-dev/agentcore/internal/tools"
)

// DefaultSystemPrompt is sent ahead of every conversation unless overridden.
const DefaultSystemPrompt = `You are Podex, an agent working inside a software workspace.
Use the available tools to inspect and change files. Prefer small, verifiable steps.
When the goal is reached, answer with a short summary of what you did and nothing else.`

// DefaultBudget applies to tasks that do not set their own limits.
var DefaultBudget = tasks.Budget{MaxIterations: 25, MaxToolCalls: 50}

// Workspace is a workspace endpoint: it runs remote tools and serves the
// files checkpoints capture and restore.
type Workspace interface {
	tools.Remote
	checkpoint.FileSystem
}

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Tasks tasks.Store
	Queue queue.Queue
	Tools *tools.Executor
	Model model.ToolCallingChatModel
	// ModelName labels LLM call events.
	ModelName string

	Checkpoints *checkpoint.Manager   // optional
	Workspace   checkpoint.FileSystem // required with Checkpoints
	Policy      *policy.Engine        // optional; without it only dangerous tools need approval
	Planner     *planner.Planner      // optional; nil disables planned mode
	Plans       planner.Store         // optional
	Progress    *progress.Tracker     // defaults to a tracker over Tasks and Bus
	Bus         *events.Bus           // optional

	// Workspaces resolves the endpoint of a task that names its workspace.
	// Tasks without a workspace ID use Tools and Workspace as configured.
	Workspaces func(id string) (Workspace, error)

	Retry   retry.Config
	Sleep   retry.Sleeper
	Window  contextwin.Config
	Counter contextwin.TokenCounter

	// ApprovalTimeout bounds every wait for a human decision.
	ApprovalTimeout     time.Duration
	Budget              tasks.Budget
	MaxToolErrors       int
	ConfidenceThreshold float64
	SystemPrompt        string
}

func (c *Config) validate() error {
	switch {
	case c.Tasks == nil:
		return errors.New("orchestrator: task store is required")
	case c.Queue == nil:
		return errors.New("orchestrator: queue is required")
	case c.Tools == nil:
		return errors.New("orchestrator: tool executor is required")
	case c.Model == nil:
		return errors.New("orchestrator: model is required")
	case c.Checkpoints != nil && c.Workspace == nil:
		return errors.New("orchestrator: checkpoints need a workspace file system")
	case c.ApprovalTimeout <= 0:
		return errors.New("orchestrator: approval timeout must be positive")
	}
	if c.Progress == nil {
		c.Progress = progress.NewTracker(c.Tasks, c.Bus)
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.DefaultConfig()
	}
	if c.Window.Budget <= 0 {
		c.Window.Budget = 128_000
	}
	c.Budget = c.Budget.WithDefaults(DefaultBudget)
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = retry.DefaultConfidenceThreshold
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	return nil
}

// Orchestrator runs tasks. It holds no per-task state and may run many tasks
// concurrently.
type Orchestrator struct {
	cfg Config
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Run drives t until it reaches a terminal state and returns it. The
// terminal state is persisted and published exactly once.
//
// When ctx ends before the task finishes (lease loss or shutdown) Run
// returns the context error and leaves the task non-terminal so another
// delivery can resume it.
func (o *Orchestrator) Run(ctx context.Context, t *tasks.Task) (*tasks.Task, error) {
	if t.Status.Terminal() {
		return t, nil
	}
	ctx = events.ContextWithTask(ctx, t.ID, t.SessionID)
	signals, cancel, err := o.cfg.Queue.SubscribeControl(ctx, t.ID)
	if err != nil {
		return t, fmt.Errorf("subscribe control: %w", err)
	}
	defer cancel()

	r := &run{
		o:         o,
		task:      t,
		budget:    t.Budget.WithDefaults(o.cfg.Budget),
		signals:   signals,
		corrector: retry.NewCorrector(o.cfg.MaxToolErrors),
		log:       slog.With("task_id", t.ID, "session_id", t.SessionID),
		tools:     o.cfg.Tools,
		fsys:      o.cfg.Workspace,
	}
	if err := r.bindWorkspace(); err != nil {
		return r.finish(ctx, tasks.StatusFailed, "", err)
	}

	answer, err := r.execute(ctx)
	switch {
	case err == nil:
		return r.finish(ctx, tasks.StatusSucceeded, answer, nil)
	case errors.Is(err, errAborted):
		return r.finish(ctx, tasks.StatusAborted, "", fault.New(fault.KindAborted, "orchestrator", err))
	case ctx.Err() != nil:
		r.log.Info("task interrupted", "state", r.state, "error", ctx.Err())
		return t, ctx.Err()
	default:
		return r.finish(ctx, tasks.StatusFailed, "", err)
	}
}

// bindWorkspace points the run at the workspace its task names.
func (r *run) bindWorkspace() error {
	id := r.task.WorkspaceID
	if id == "" || r.o.cfg.Workspaces == nil {
		return nil
	}
	ws, err := r.o.cfg.Workspaces(id)
	if err != nil {
		return fault.New(fault.KindValidation, "orchestrator.workspace", fmt.Errorf("workspace %q: %w", id, err))
	}
	r.tools = r.o.cfg.Tools.WithRemote(ws)
	r.fsys = ws
	r.log = r.log.With("workspace_id", id)
	return nil
}

// execute runs the state machine up to the final answer.
func (r *run) execute(ctx context.Context) (string, error) {
	r.enter(ctx, StateReceived, "task received")
	if err := r.checkAborted(ctx); err != nil {
		return "", err
	}
	if err := r.setStatus(ctx, tasks.StatusRunning); err != nil {
		return "", err
	}

	if err := r.loadContext(ctx); err != nil {
		return "", err
	}
	r.enter(ctx, StateContextLoaded, fmt.Sprintf("%d message(s) in context", len(r.transcript)))

	if err := r.runPlan(ctx); err != nil {
		return "", err
	}
	return r.loop(ctx)
}

// loadContext restores the persisted transcript, or starts one from the
// goal, and windows it.
func (r *run) loadContext(ctx context.Context) error {
	cfg := r.o.cfg
	win, err := contextwin.New(cfg.Window, cfg.Counter, r.summarize)
	if err != nil {
		return fault.New(fault.KindValidation, "orchestrator.context", err)
	}
	r.win = win

	transcript, err := cfg.Tasks.LoadTranscript(ctx, r.task.ID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}
	r.transcript = transcript
	if len(r.transcript) == 0 {
		r.transcript = append(r.transcript, schema.UserMessage(r.task.Goal))
		if err := r.saveTranscript(ctx); err != nil {
			return err
		}
	} else {
		r.log.Info("resuming task from transcript", "messages", len(r.transcript))
	}
	for _, m := range r.transcript {
		if m.Role == schema.Assistant {
			r.iterations++
			r.toolCalls += len(m.ToolCalls)
		}
	}
	reserved := r.win.EstimateTokens([]*schema.Message{
		schema.SystemMessage(cfg.SystemPrompt),
		schema.SystemMessage(r.tools.Registry().Describe(r.task.ToolAllowlist)),
	})
	if err := r.win.Reserve(ctx, reserved); err != nil {
		return fmt.Errorf("window transcript: %w", err)
	}
	if err := r.win.Load(ctx, r.transcript); err != nil {
		return fmt.Errorf("window transcript: %w", err)
	}

	llm, err := cfg.Model.WithTools(r.tools.Registry().Catalog(r.task.ToolAllowlist))
	if err != nil {
		return fault.New(fault.KindModelUnavailable, "orchestrator.bind_tools", err)
	}
	r.llm = llm
	return nil
}

// finish records the terminal state. A task that is already terminal is
// returned unchanged.
func (r *run) finish(ctx context.Context, status tasks.Status, result string, cause error) (*tasks.Task, error) {
	t := r.task
	if t.Status.Terminal() {
		return t, nil
	}
	// Persist even when ctx was cancelled by the abort itself.
	ctx = context.WithoutCancel(ctx)

	t.Result = result
	if cause != nil {
		kind := fault.KindOf(cause)
		t.ErrorKind = string(kind)
		t.Error = cause.Error()
	}
	if err := t.Transition(status); err != nil {
		return t, err
	}
	r.state = State(status)

	r.o.cfg.Progress.Record(ctx, t.ID, t.SessionID, progress.Update{
		State:       string(status),
		Description: terminalDescription(t),
		Status:      string(status),
		Step:        r.nextStep(),
		ErrorKind:   t.ErrorKind,
	})
	if err := r.o.cfg.Tasks.Update(ctx, t); err != nil {
		r.log.Error("persist terminal state failed", "status", status, "error", err)
		return t, fmt.Errorf("persist terminal state: %w", err)
	}
	r.o.cfg.Progress.Terminal(t.ID, t.SessionID, t)

	r.log.Info("task finished",
		"status", status,
		"error_kind", t.ErrorKind,
		"iterations", r.iterations,
		"tool_calls", r.toolCalls,
	)
	return t, nil
}

func terminalDescription(t *tasks.Task) string {
	switch t.Status {
	case tasks.StatusSucceeded:
		return "task succeeded"
	case tasks.StatusAborted:
		return "task aborted"
	}
	return fmt.Sprintf("task failed: %s", t.Error)
}

func (r *run) setStatus(ctx context.Context, status tasks.Status) error {
	if r.task.Status == status {
		return nil
	}
	if err := r.task.Transition(status); err != nil {
		return err
	}
	if err := r.o.cfg.Tasks.Update(ctx, r.task); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

func (r *run) saveTranscript(ctx context.Context) error {
	if err := r.o.cfg.Tasks.SaveTranscript(ctx, r.task.ID, r.transcript); err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// appendMessage adds msg to the transcript and the window and persists the
// transcript.
func (r *run) appendMessage(ctx context.Context, msg *schema.Message) error {
	r.transcript = append(r.transcript, msg)
	if err := r.win.Append(ctx, msg); err != nil {
		r.log.Warn("context window append failed", "error", err)
	}
	return r.saveTranscript(ctx)
}

// summarize folds old messages with the untooled model.
func (r *run) summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := r.o.cfg.Model.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
