package tools

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/podex-dev/agentcore/internal/events"
	"github.com/podex-dev/agentcore/internal/fault"
	"github.com/podex-dev/agentcore/internal/retry"
	"github.com/podex-dev/agentcore/internal/workspace"
)

// ErrInvocationNotFound is returned by an InvocationStore for unknown keys.
var ErrInvocationNotFound = errors.New("invocation not found")

// Invocation is the record of one executed tool call.
type Invocation struct {
	ID        string          `json:"id"`
	Key       string          `json:"key,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Target    Target          `json:"target"`
	Success   bool            `json:"success"`
	Output    string          `json:"output,omitempty"`
	ErrorKind fault.Kind      `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
	Partial   bool            `json:"partial,omitempty"`
	// Changes lists the files a remote command reported as changed.
	Changes    []workspace.ChangedFile `json:"changes,omitempty"`
	DurationMs int64                   `json:"duration_ms"`
	Attempts   int                     `json:"attempts"`
	CreatedAt  time.Time               `json:"created_at"`
}

// InvocationStore persists invocations by idempotency key.
type InvocationStore interface {
	GetInvocation(ctx context.Context, key string) (*Invocation, error)
	SaveInvocation(ctx context.Context, inv *Invocation) error
}

// Remote executes a tool on the workspace endpoint. *workspace.Client
// implements it.
type Remote interface {
	Execute(ctx context.Context, tool string, args json.RawMessage, key string) (*workspace.ExecuteResponse, error)
}

// Call is a request to run one tool.
type Call struct {
	Name      string
	Arguments string
	// Key deduplicates executions, formatted "task:iteration:call_id".
	Key       string
	CallID    string
	TaskID    string
	SessionID string
	// Allowlist restricts the callable tools. Empty allows all.
	Allowlist []string
}

// IdempotencyKey builds the key for a model tool call.
func IdempotencyKey(taskID string, iteration int, callID string) string {
	return fmt.Sprintf("%s:%d:%s", taskID, iteration, callID)
}

// Result is the outcome of Execute. Err is nil on success.
type Result struct {
	Invocation
	Err     error `json:"-"`
	Deduped bool  `json:"deduped,omitempty"`
}

// Content renders the result as the tool message handed back to the model.
func (r *Result) Content() string {
	if r.Success {
		if r.Output == "" {
			return "[OK]"
		}
		return r.Output
	}
	return fmt.Sprintf("error (%s): %s", r.ErrorKind, r.Error)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Registry    *Registry
	Remote      Remote          // required when remote tools are called
	Invocations InvocationStore // optional
	Bus         *events.Bus     // optional
	Retry       retry.Config
	// ToolRetry replaces Retry for the named tools.
	ToolRetry map[string]retry.Config
	Sleep     retry.Sleeper
	Now       func() time.Time
}

// Executor validates, dispatches and records tool calls.
type Executor struct {
	cfg ExecutorConfig
}

// NewExecutor creates an executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, errors.New("tools: registry is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{cfg: cfg}, nil
}

// WithRemote returns an executor sharing e's registry and stores that sends
// remote tools to r.
func (e *Executor) WithRemote(r Remote) *Executor {
	cfg := e.cfg
	cfg.Remote = r
	return &Executor{cfg: cfg}
}

// retryFor returns the retry settings of a tool.
func (e *Executor) retryFor(name string) retry.Config {
	if rc, ok := e.cfg.ToolRetry[name]; ok {
		return rc
	}
	return e.cfg.Retry
}

// Registry returns the executor's registry.
func (e *Executor) Registry() *Registry { return e.cfg.Registry }

// Recorded returns the successful invocation stored under key, if any.
func (e *Executor) Recorded(ctx context.Context, key string) (*Invocation, bool) {
	inv := e.lookup(ctx, key)
	return inv, inv != nil
}

// Execute runs a tool without task context.
func (e *Executor) Execute(ctx context.Context, name, argsJSON string) *Result {
	return e.Invoke(ctx, Call{Name: name, Arguments: argsJSON})
}

// Invoke runs a tool call. Failures are reported in the result, never as a
// panic or a separate error.
func (e *Executor) Invoke(ctx context.Context, call Call) *Result {
	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	res := &Result{Invocation: Invocation{
		ID:        ulid.MustNew(ulid.Timestamp(e.cfg.Now()), rand.Reader).String(),
		Key:       call.Key,
		TaskID:    call.TaskID,
		Tool:      call.Name,
		Arguments: args,
		CreatedAt: e.cfg.Now(),
	}}

	t, err := e.resolve(call, args)
	if err != nil {
		return e.fail(res, err)
	}
	res.Target = t.Target()

	if prev := e.lookup(ctx, call.Key); prev != nil {
		slog.Debug("tool call deduplicated", "tool", call.Name, "key", call.Key)
		out := &Result{Invocation: *prev, Deduped: true}
		e.publish(call, events.ToolCallPayload{
			Status: events.ToolStatusDeduped, Name: call.Name, CallID: call.CallID, Target: string(out.Target),
		})
		return out
	}

	e.publish(call, events.ToolCallPayload{
		Status: events.ToolStatusStarted, Name: call.Name, CallID: call.CallID, Target: string(res.Target),
	})

	start := e.cfg.Now()
	runner := retry.Runner{
		Config: e.retryFor(call.Name),
		Sleep:  e.cfg.Sleep,
		OnRetry: func(attempt int, kind retry.Kind, delay time.Duration, err error) {
			slog.Warn("tool call retry", "tool", call.Name, "attempt", attempt, "kind", kind, "delay", delay, "error", err)
		},
	}
	write := t.Spec().Class == ClassWrite
	var output string
	attempts, err := runner.Do(ctx, func(ctx context.Context, attempt int) error {
		out, changed, err := e.dispatch(ctx, t, args, call.Key)
		res.Changes = append(res.Changes, changed...)
		if err == nil {
			output = out
			return nil
		}
		if write && !retryableWrite(err) {
			return retry.Permanent(err)
		}
		return err
	})
	res.Attempts = attempts
	res.DurationMs = e.cfg.Now().Sub(start).Milliseconds()

	if err != nil {
		e.fail(res, unwrapExhausted(err))
	} else {
		res.Success = true
		res.Output = output
	}

	e.record(ctx, res)
	payload := events.ToolCallPayload{
		Status: events.ToolStatusCompleted, Name: call.Name, CallID: call.CallID, Target: string(res.Target),
		Attempts: res.Attempts, DurationMs: res.DurationMs,
	}
	if !res.Success {
		payload.Status = events.ToolStatusFailed
		payload.Error = res.Error
	}
	e.publish(call, payload)
	return res
}

// resolve checks the allowlist and the argument schema.
func (e *Executor) resolve(call Call, args json.RawMessage) (Tool, error) {
	t, ok := e.cfg.Registry.Get(call.Name)
	if !ok {
		return nil, fault.Newf(fault.KindValidation, call.Name, "unknown tool %q", call.Name)
	}
	if len(call.Allowlist) > 0 && !slices.Contains(call.Allowlist, call.Name) {
		return nil, fault.Newf(fault.KindValidation, call.Name, "tool %q is not allowed for this task", call.Name)
	}
	if err := e.cfg.Registry.Validate(call.Name, args); err != nil {
		return nil, fault.New(fault.KindValidation, call.Name, fmt.Errorf("invalid arguments: %w", err))
	}
	return t, nil
}

func (e *Executor) dispatch(ctx context.Context, t Tool, args json.RawMessage, key string) (string, []workspace.ChangedFile, error) {
	name := t.Spec().Name
	switch t := t.(type) {
	case *LocalTool:
		v, err := t.fn(ctx, args)
		if err != nil {
			var fe *fault.Error
			if errors.As(err, &fe) {
				return "", nil, err
			}
			return "", nil, fault.New(fault.KindToolExecution, name, err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return "", nil, fault.New(fault.KindToolExecution, name, err)
		}
		return string(out), nil, nil
	case *RemoteTool:
		if e.cfg.Remote == nil {
			return "", nil, fault.Newf(fault.KindToolExecution, name, "no workspace endpoint configured")
		}
		resp, err := e.cfg.Remote.Execute(ctx, name, args, key)
		var changed []workspace.ChangedFile
		if resp != nil {
			changed = resp.Changes
		}
		if err != nil {
			return "", changed, err
		}
		return string(resp.Result), changed, nil
	}
	return "", nil, fault.Newf(fault.KindToolExecution, name, "unsupported tool variant %T", t)
}

// retryableWrite reports whether a failed write may be sent again: only when
// it failed before anything changed.
func retryableWrite(err error) bool {
	if fault.IsPartial(err) {
		return false
	}
	switch fault.KindOf(err) {
	case fault.KindTransient, fault.KindRateLimit:
		return true
	}
	return false
}

func unwrapExhausted(err error) error {
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return ex.Err
	}
	return err
}

func (e *Executor) fail(res *Result, err error) *Result {
	res.Success = false
	res.Err = err
	res.ErrorKind = fault.KindOf(err)
	res.Partial = fault.IsPartial(err)
	res.Error = err.Error()
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Err != nil {
		res.Error = fe.Err.Error()
	}
	return res
}

func (e *Executor) lookup(ctx context.Context, key string) *Invocation {
	if key == "" || e.cfg.Invocations == nil {
		return nil
	}
	inv, err := e.cfg.Invocations.GetInvocation(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrInvocationNotFound) {
			slog.Warn("invocation lookup failed", "key", key, "error", err)
		}
		return nil
	}
	if !inv.Success {
		return nil
	}
	return inv
}

func (e *Executor) record(ctx context.Context, res *Result) {
	if res.Key == "" || e.cfg.Invocations == nil {
		return
	}
	inv := res.Invocation
	if err := e.cfg.Invocations.SaveInvocation(ctx, &inv); err != nil {
		slog.Warn("record invocation failed", "tool", res.Tool, "key", res.Key, "error", err)
	}
}

func (e *Executor) publish(call Call, payload events.ToolCallPayload) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(events.NewTaskEvent(events.SourceTools, payload, call.TaskID, call.SessionID))
}
