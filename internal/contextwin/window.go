// Package contextwin keeps a task's conversation inside the model's context
// budget, summarizing older messages when usage crosses a threshold.
package contextwin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"
)

const summaryPrefix = "[Previous conversation summary]\n\n"

// SummarizeFunc performs a non-streaming LLM call for summarization.
type SummarizeFunc func(ctx context.Context, prompt string) (string, error)

// Config configures a Window.
type Config struct {
	Budget       int     // model context limit in tokens
	Threshold    float64 // fraction of Budget that triggers summarization (default 0.80)
	KeepRecent   int     // messages kept verbatim (default 6)
	SafetyMargin float64 // multiplier on every estimate (default 1.10)
}

func (c *Config) defaults() {
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.80
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = 6
	}
	if c.SafetyMargin < 1 {
		c.SafetyMargin = 1.10
	}
}

// State is a snapshot of the window bookkeeping.
type State struct {
	Tokens            int `json:"tokens"`
	Budget            int `json:"budget"`
	Reserved          int `json:"reserved"`
	ThresholdTokens   int `json:"threshold_tokens"`
	Messages          int `json:"messages"`
	Appended          int `json:"appended"`
	LastSummarizedIdx int `json:"last_summarized_idx"`
	Summaries         int `json:"summaries"`
}

// Window holds the trimmed conversation of one task.
type Window struct {
	cfg       Config
	est       estimator
	summarize SummarizeFunc

	mu        sync.Mutex
	messages  []*schema.Message // conversation without the summary message
	summary   string
	tokens    int
	appended  int // messages appended since creation
	summedUp  int // absolute index: messages [0, summedUp) are folded into summary
	summaries int
	reserved  int // sent with every request outside the window
}

// New creates a Window. summarize may be nil, in which case old messages are
// dropped instead of summarized.
func New(cfg Config, counter TokenCounter, summarize SummarizeFunc) (*Window, error) {
	if cfg.Budget <= 0 {
		return nil, errors.New("contextwin: budget must be positive")
	}
	cfg.defaults()
	if counter == nil {
		counter = HeuristicCounter{CharsPerToken: 4}
	}
	return &Window{
		cfg:       cfg,
		est:       estimator{counter: counter, margin: cfg.SafetyMargin},
		summarize: summarize,
	}, nil
}

// Reserve sets aside tokens for content sent with every request but kept
// outside the window, such as the system prompt and the tool catalog. It
// compacts when the remaining room is already exceeded.
func (w *Window) Reserve(ctx context.Context, tokens int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reserved = max(tokens, 0)
	if w.tokens <= w.thresholdTokens() {
		return nil
	}
	return w.compact(ctx)
}

// Reserved returns the tokens set aside by Reserve.
func (w *Window) Reserved() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reserved
}

// EstimateTokens returns the padded estimate for messages.
func (w *Window) EstimateTokens(messages []*schema.Message) int {
	return w.est.messages(messages)
}

// Append adds a message and summarizes if usage crosses the threshold.
func (w *Window) Append(ctx context.Context, msg *schema.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.messages = append(w.messages, msg)
	w.appended++
	w.tokens += w.est.message(msg)

	if w.tokens <= w.thresholdTokens() {
		return nil
	}
	return w.compact(ctx)
}

// Load seeds the window with a persisted conversation and compacts once.
func (w *Window) Load(ctx context.Context, messages []*schema.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.messages = append(w.messages, messages...)
	w.appended += len(messages)
	w.recount()
	if w.tokens <= w.thresholdTokens() {
		return nil
	}
	return w.compact(ctx)
}

// Window returns the messages to send to the model: the summary (if any)
// followed by the retained conversation.
func (w *Window) Window() []*schema.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*schema.Message, 0, len(w.messages)+1)
	if w.summary != "" {
		out = append(out, summaryMessage(w.summary))
	}
	return append(out, w.messages...)
}

// Tokens returns the padded estimate of the current window.
func (w *Window) Tokens() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tokens
}

// State returns a snapshot of the bookkeeping.
func (w *Window) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return State{
		Tokens:            w.tokens,
		Budget:            w.cfg.Budget,
		Reserved:          w.reserved,
		ThresholdTokens:   w.thresholdTokens(),
		Messages:          len(w.messages),
		Appended:          w.appended,
		LastSummarizedIdx: w.summedUp,
		Summaries:         w.summaries,
	}
}

// limit is the part of Budget the window itself may use.
func (w *Window) limit() int {
	return max(w.cfg.Budget-w.reserved, 1)
}

func (w *Window) thresholdTokens() int {
	return int(float64(w.limit()) * w.cfg.Threshold)
}

func (w *Window) recount() {
	w.tokens = w.est.messages(w.messages)
	if w.summary != "" {
		w.tokens += w.est.message(summaryMessage(w.summary))
	}
}

// compact folds everything but the most recent messages into the summary and
// then enforces the hard budget.
func (w *Window) compact(ctx context.Context) error {
	split := w.splitIndex()
	if split > 0 {
		old := w.messages[:split]
		recent := w.messages[split:]

		slog.Info("context summarization triggered",
			"messages", len(w.messages),
			"estimated_tokens", w.tokens,
			"budget", w.cfg.Budget,
			"summarizing", len(old),
		)

		summary, err := w.runSummarize(ctx, old)
		if err != nil {
			slog.Error("summarization failed, falling back to truncation", "error", err)
		} else {
			w.summary = summary
			w.summaries++
		}
		w.messages = append([]*schema.Message(nil), recent...)
		w.summedUp += len(old)
		w.recount()
	}

	w.enforceBudget()
	return nil
}

// splitIndex returns the first index kept verbatim. At least KeepRecent
// messages are kept and a tool result is never separated from the call
// that produced it.
func (w *Window) splitIndex() int {
	split := len(w.messages) - w.cfg.KeepRecent
	if split <= 0 {
		return 0
	}
	for split > 0 && w.messages[split].Role == schema.Tool {
		split--
	}
	return split
}

func (w *Window) runSummarize(ctx context.Context, old []*schema.Message) (string, error) {
	if w.summarize == nil {
		return "", errors.New("no summarizer configured")
	}
	summary, err := w.summarize(ctx, buildSummarizePrompt(w.summary, old))
	if err != nil {
		return "", err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("empty summary")
	}
	return summary, nil
}

// enforceBudget keeps the window strictly below Budget less the reserved
// tokens. The summary is shortened first; if the retained messages alone do
// not fit, the oldest of them are dropped.
func (w *Window) enforceBudget() {
	limit := w.limit()
	if w.tokens < limit {
		return
	}

	if w.summary != "" {
		rest := w.est.messages(w.messages)
		room := limit - rest - 1
		w.summary = w.shrinkSummary(room)
		w.recount()
	}

	for w.tokens >= limit && len(w.messages) > 1 {
		slog.Warn("context window over budget, dropping oldest retained message",
			"tokens", w.tokens, "budget", w.cfg.Budget, "reserved", w.reserved)
		w.messages = w.messages[1:]
		w.summedUp++
		for len(w.messages) > 1 && w.messages[0].Role == schema.Tool {
			w.messages = w.messages[1:]
			w.summedUp++
		}
		w.recount()
	}
}

// shrinkSummary cuts the summary until its message fits in room tokens.
// It returns "" when nothing fits.
func (w *Window) shrinkSummary(room int) string {
	if room <= w.est.message(summaryMessage("")) {
		return ""
	}
	runes := []rune(w.summary)
	for len(runes) > 0 {
		candidate := string(runes)
		if w.est.message(summaryMessage(candidate)) <= room {
			return candidate
		}
		cut := len(runes) / 10
		if cut == 0 {
			cut = 1
		}
		runes = runes[:len(runes)-cut]
	}
	return ""
}

func summaryMessage(summary string) *schema.Message {
	return &schema.Message{
		Role:    schema.User,
		Content: summaryPrefix + summary,
	}
}

// buildSummarizePrompt constructs the summarization prompt, incorporating
// any previous summary for cumulative compression.
func buildSummarizePrompt(previous string, old []*schema.Message) string {
	var sb strings.Builder

	sb.WriteString("You are summarizing the working conversation of a coding agent executing a task.\n\n")

	if previous != "" {
		sb.WriteString("## Previous Summary\n\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n## New Messages to Incorporate\n\n")
	} else {
		sb.WriteString("## Messages\n\n")
	}

	for _, msg := range old {
		switch {
		case len(msg.ToolCalls) > 0:
			names := make([]string, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				names = append(names, tc.Function.Name)
			}
			fmt.Fprintf(&sb, "[%s] (calls %s): %s\n\n", msg.Role, strings.Join(names, ", "), msg.Content)
		case msg.Role == schema.Tool:
			fmt.Fprintf(&sb, "[tool %s]: %s\n\n", msg.ToolName, msg.Content)
		default:
			fmt.Fprintf(&sb, "[%s]: %s\n\n", msg.Role, msg.Content)
		}
	}

	sb.WriteString("## Instructions\n\n")
	if previous != "" {
		sb.WriteString("Create a new summary incorporating both the previous summary and the new messages.\n")
	} else {
		sb.WriteString("Summarize the conversation above.\n")
	}
	sb.WriteString("Preserve: the goal, decisions taken, file paths touched, tool results that matter, open problems.\n")
	sb.WriteString("Keep under 500 words.\n")

	return sb.String()
}
