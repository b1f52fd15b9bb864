package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/podex-dev/agentcore/internal/events"
	"github.com/podex-dev/agentcore/internal/fault"
	"github.com/podex-dev/agentcore/internal/retry"
)

// loop alternates model turns and tool dispatch until the model gives an
// accepted answer.
func (r *run) loop(ctx context.Context) (string, error) {
	if calls := r.pendingCalls(); len(calls) > 0 {
		r.log.Info("replaying unanswered tool calls", "calls", len(calls))
		if err := r.dispatchAll(ctx, calls); err != nil {
			return "", err
		}
	}

	for {
		if err := r.boundary(ctx); err != nil {
			return "", err
		}
		if r.iterations >= r.budget.MaxIterations {
			return "", fault.Newf(fault.KindBudgetExhausted, "orchestrator",
				"iteration budget of %d exhausted", r.budget.MaxIterations)
		}
		r.iterations++

		r.enter(ctx, StateAwaitingModel, fmt.Sprintf("model turn %d", r.iterations))
		resp, err := r.generate(ctx)
		if err != nil {
			return "", err
		}
		if err := r.appendMessage(ctx, resp); err != nil {
			return "", err
		}
		r.enter(ctx, StateModelResponded, responseDescription(resp))

		if len(resp.ToolCalls) > 0 {
			if err := r.dispatchAll(ctx, resp.ToolCalls); err != nil {
				return "", err
			}
			continue
		}

		answer, done, err := r.finalize(ctx, resp.Content)
		if err != nil {
			return "", err
		}
		if done {
			return answer, nil
		}
	}
}

// generate asks the model for the next action, retrying transient failures.
func (r *run) generate(ctx context.Context) (*schema.Message, error) {
	cfg := r.o.cfg
	msgs := append([]*schema.Message{schema.SystemMessage(cfg.SystemPrompt)}, r.win.Window()...)
	tokens := r.win.Tokens() + r.win.Reserved()
	r.publishLLM(events.LLMCallPayload{Phase: "request", Messages: len(msgs), Tokens: tokens})

	runner := retry.Runner{
		Config: cfg.Retry,
		Sleep:  cfg.Sleep,
		OnRetry: func(attempt int, kind retry.Kind, delay time.Duration, err error) {
			r.log.Warn("model call retry", "attempt", attempt, "kind", kind, "delay", delay, "error", err)
		},
	}
	start := time.Now()
	var resp *schema.Message
	attempts, err := runner.Do(ctx, func(ctx context.Context, _ int) error {
		out, err := r.llm.Generate(ctx, msgs)
		if err != nil {
			return err
		}
		if out == nil {
			return fault.Newf(fault.KindModelUnavailable, "orchestrator.model", "empty model response")
		}
		resp = out
		return nil
	})
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.publishLLM(events.LLMCallPayload{Phase: "error", Messages: len(msgs), Attempts: attempts, DurationMs: elapsed, Error: err.Error()})
		var ex *retry.ExhaustedError
		if errors.As(err, &ex) {
			err = ex.Err
		}
		if fault.KindOf(err) == fault.KindValidation {
			return nil, err
		}
		return nil, fault.New(fault.KindModelUnavailable, "orchestrator.model",
			fmt.Errorf("model call failed after %d attempt(s): %w", attempts, err))
	}

	used := r.win.EstimateTokens([]*schema.Message{resp}) + tokens
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil && resp.ResponseMeta.Usage.TotalTokens > 0 {
		used = resp.ResponseMeta.Usage.TotalTokens
	}
	r.tokens += used
	r.publishLLM(events.LLMCallPayload{
		Phase:      "response",
		Messages:   len(msgs),
		Tokens:     used,
		ToolCalls:  len(resp.ToolCalls),
		Attempts:   attempts,
		DurationMs: elapsed,
	})
	if r.budget.MaxTokens > 0 && r.tokens > r.budget.MaxTokens {
		return nil, fault.Newf(fault.KindBudgetExhausted, "orchestrator",
			"token budget of %d exhausted (%d used)", r.budget.MaxTokens, r.tokens)
	}
	return resp, nil
}

// finalize scores a terminal answer. A low-confidence answer is re-prompted
// once; a second low score is escalated to a human. done is false when the
// loop must continue.
func (r *run) finalize(ctx context.Context, answer string) (string, bool, error) {
	r.enter(ctx, StateFinalizing, "evaluating answer")
	score := retry.EvaluateConfidence(answer)
	if !score.Low(r.o.cfg.ConfidenceThreshold) {
		return answer, true, nil
	}
	r.log.Info("low confidence answer", "score", score.Score, "rationale", score.Rationale, "reprompted", r.reprompted)

	if !r.reprompted {
		r.reprompted = true
		prompt := fmt.Sprintf(`Your last answer looks unreliable (confidence %.2f: %s).
Check your work with the available tools if needed, then give a complete and precise final answer.`,
			score.Score, score.Rationale)
		return "", false, r.appendMessage(ctx, schema.UserMessage(prompt))
	}

	resp, err := r.awaitApproval(ctx, approvalRequest{
		subject: "final answer",
		reason:  fmt.Sprintf("low confidence answer (%.2f): %s", score.Score, score.Rationale),
		details: answer,
	})
	if err != nil {
		return "", false, err
	}
	if !resp.Approved {
		return "", false, fault.Newf(fault.KindValidation, "orchestrator.finalize",
			"answer rejected by reviewer: %s", orDefault(resp.Reason, "no reason given"))
	}
	return answer, true, nil
}

// pendingCalls returns the tool calls of the last assistant message that
// have no tool result yet. They exist only when a previous delivery stopped
// in the middle of tool dispatch.
func (r *run) pendingCalls() []schema.ToolCall {
	for i := len(r.transcript) - 1; i >= 0; i-- {
		m := r.transcript[i]
		if m.Role != schema.Assistant {
			continue
		}
		answered := make(map[string]bool)
		for _, later := range r.transcript[i+1:] {
			if later.Role == schema.Tool {
				answered[later.ToolCallID] = true
			}
		}
		var out []schema.ToolCall
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				out = append(out, tc)
			}
		}
		return out
	}
	return nil
}

func (r *run) publishLLM(p events.LLMCallPayload) {
	if r.o.cfg.Bus == nil {
		return
	}
	p.Provider = r.o.cfg.ModelName
	r.o.cfg.Bus.Publish(events.NewTaskEvent(events.SourceOrchestrator, p, r.task.ID, r.task.SessionID))
}

func responseDescription(m *schema.Message) string {
	if n := len(m.ToolCalls); n > 0 {
		names := make([]string, n)
		for i, tc := range m.ToolCalls {
			names[i] = tc.Function.Name
		}
		return "tool calls: " + strings.Join(names, ", ")
	}
	return "final answer"
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
