package contextwin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
)

func msg(role schema.RoleType, i int) *schema.Message {
	return &schema.Message{Role: role, Content: fmt.Sprintf("message %02d %s", i, strings.Repeat("x", 28))}
}

func newWindow(t *testing.T, cfg Config, summarize SummarizeFunc) *Window {
	t.Helper()
	w, err := New(cfg, HeuristicCounter{CharsPerToken: 4}, summarize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestNewRequiresBudget(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Fatal("expected error for zero budget")
	}
}

func TestHeuristicCounterRoundsUp(t *testing.T) {
	c := HeuristicCounter{CharsPerToken: 4}
	if got := c.Count("abcde"); got != 2 {
		t.Errorf("Count: got %d, want 2", got)
	}
	if got := c.Count(""); got != 0 {
		t.Errorf("Count empty: got %d", got)
	}
}

func TestEstimateNeverBelowRawCount(t *testing.T) {
	w := newWindow(t, Config{Budget: 1000}, nil)
	m := &schema.Message{Role: schema.User, Content: strings.Repeat("word ", 100)}
	raw := HeuristicCounter{CharsPerToken: 4}.Count(m.Content) + perMessageOverhead
	if got := w.EstimateTokens([]*schema.Message{m}); got < raw {
		t.Errorf("estimate %d below raw count %d", got, raw)
	}
}

func TestAppendBelowThresholdKeepsEverything(t *testing.T) {
	called := false
	w := newWindow(t, Config{Budget: 10000}, func(ctx context.Context, prompt string) (string, error) {
		called = true
		return "", nil
	})

	for i := 0; i < 5; i++ {
		if err := w.Append(context.Background(), msg(schema.User, i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if called {
		t.Error("summarizer should not run below threshold")
	}
	if got := len(w.Window()); got != 5 {
		t.Errorf("window size: got %d, want 5", got)
	}
}

func TestSummarizationKeepsRecentVerbatim(t *testing.T) {
	var prompt string
	w := newWindow(t, Config{Budget: 200, KeepRecent: 2}, func(ctx context.Context, p string) (string, error) {
		prompt = p
		return "short summary", nil
	})

	var all []*schema.Message
	for i := 0; i < 11; i++ {
		m := msg(schema.User, i)
		all = append(all, m)
		before := m.Content
		if err := w.Append(context.Background(), m); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if m.Content != before {
			t.Fatal("Append must not modify the message")
		}
	}

	window := w.Window()
	if len(window) != 3 {
		t.Fatalf("window size: got %d, want 3 (summary + 2)", len(window))
	}
	if !strings.HasPrefix(window[0].Content, summaryPrefix) {
		t.Errorf("first message should be the summary, got %q", window[0].Content)
	}
	for i, m := range window[1:] {
		want := all[len(all)-2+i]
		if m.Content != want.Content {
			t.Errorf("recent %d: content changed: got %q, want %q", i, m.Content, want.Content)
		}
	}
	if !strings.Contains(prompt, all[0].Content) {
		t.Error("prompt should contain the oldest message")
	}
	if strings.Contains(prompt, all[len(all)-1].Content) {
		t.Error("prompt must not contain preserved messages")
	}

	st := w.State()
	if st.Tokens >= st.Budget {
		t.Errorf("tokens %d not below budget %d", st.Tokens, st.Budget)
	}
	if st.LastSummarizedIdx != 9 {
		t.Errorf("LastSummarizedIdx: got %d, want 9", st.LastSummarizedIdx)
	}
	if st.Summaries != 1 {
		t.Errorf("Summaries: got %d, want 1", st.Summaries)
	}
}

func TestCumulativeSummaryUsesPrevious(t *testing.T) {
	calls := 0
	var lastPrompt string
	w := newWindow(t, Config{Budget: 200, KeepRecent: 2}, func(ctx context.Context, p string) (string, error) {
		calls++
		lastPrompt = p
		return fmt.Sprintf("summary %d", calls), nil
	})

	for i := 0; i < 30; i++ {
		if err := w.Append(context.Background(), msg(schema.User, i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if calls < 2 {
		t.Fatalf("expected at least 2 summarizations, got %d", calls)
	}
	if !strings.Contains(lastPrompt, "## Previous Summary") {
		t.Error("second summarization should include the previous summary")
	}
}

func TestSummarizeFailureFallsBackToTruncation(t *testing.T) {
	w := newWindow(t, Config{Budget: 200, KeepRecent: 2}, func(ctx context.Context, p string) (string, error) {
		return "", errors.New("model down")
	})

	var last *schema.Message
	for i := 0; i < 11; i++ {
		last = msg(schema.User, i)
		if err := w.Append(context.Background(), last); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	window := w.Window()
	if len(window) != 2 {
		t.Fatalf("window size: got %d, want 2", len(window))
	}
	if window[1] != last {
		t.Error("last message should be kept")
	}
	if w.Tokens() >= 200 {
		t.Errorf("tokens %d not below budget", w.Tokens())
	}
}

func TestLongSummaryIsShortenedBelowBudget(t *testing.T) {
	w := newWindow(t, Config{Budget: 200, KeepRecent: 2}, func(ctx context.Context, p string) (string, error) {
		return strings.Repeat("long summary text ", 120), nil
	})

	for i := 0; i < 11; i++ {
		if err := w.Append(context.Background(), msg(schema.User, i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if got := w.Tokens(); got >= 200 {
		t.Errorf("tokens %d not below budget 200", got)
	}
	if got := w.EstimateTokens(w.Window()); got != w.Tokens() {
		t.Errorf("tracked tokens %d differ from window estimate %d", w.Tokens(), got)
	}
}

func TestRecentAloneOverBudgetDropsOldest(t *testing.T) {
	w := newWindow(t, Config{Budget: 100, KeepRecent: 3}, nil)

	big := func(i int) *schema.Message {
		return &schema.Message{Role: schema.User, Content: fmt.Sprintf("%d%s", i, strings.Repeat("y", 199))}
	}
	for i := 0; i < 3; i++ {
		if err := w.Append(context.Background(), big(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if got := w.Tokens(); got >= 100 {
			t.Fatalf("after append %d: tokens %d not below budget", i, got)
		}
	}
	window := w.Window()
	if len(window) != 1 || !strings.HasPrefix(window[0].Content, "2") {
		t.Errorf("expected only the newest message, got %d messages", len(window))
	}
}

func TestToolResultStaysWithCall(t *testing.T) {
	w := newWindow(t, Config{Budget: 200, KeepRecent: 2}, func(ctx context.Context, p string) (string, error) {
		return "s", nil
	})

	for i := 0; i < 9; i++ {
		_ = w.Append(context.Background(), msg(schema.User, i))
	}
	call := &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID:       "call_1",
			Function: schema.FunctionCall{Name: "read_file", Arguments: `{"path":"a.py"}`},
		}},
	}
	_ = w.Append(context.Background(), call)
	_ = w.Append(context.Background(), &schema.Message{Role: schema.Tool, ToolCallID: "call_1", Content: "print(1)"})
	_ = w.Append(context.Background(), &schema.Message{Role: schema.Tool, ToolCallID: "call_2", Content: "print(2)"})

	for _, m := range w.Window() {
		if m.Role == schema.Tool {
			found := false
			for _, other := range w.Window() {
				if len(other.ToolCalls) > 0 {
					found = true
				}
			}
			if !found {
				t.Fatal("tool result kept without its call")
			}
		}
	}
}

func TestLoadCompactsOnce(t *testing.T) {
	calls := 0
	w := newWindow(t, Config{Budget: 200, KeepRecent: 3}, func(ctx context.Context, p string) (string, error) {
		calls++
		return "loaded summary", nil
	})

	var msgs []*schema.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, msg(schema.User, i))
	}
	if err := w.Load(context.Background(), msgs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if calls != 1 {
		t.Errorf("summarize calls: got %d, want 1", calls)
	}
	if got := len(w.Window()); got != 4 {
		t.Errorf("window size: got %d, want 4", got)
	}
}

func TestReservedTokensShrinkTheWindow(t *testing.T) {
	calls := 0
	w := newWindow(t, Config{Budget: 200, KeepRecent: 2}, func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "short", nil
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := w.Append(ctx, msg(schema.User, i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if calls != 0 {
		t.Fatalf("summarizer ran before anything was reserved")
	}

	if err := w.Reserve(ctx, 120); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if calls != 1 {
		t.Errorf("summarizer calls: got %d, want 1", calls)
	}
	st := w.State()
	if st.Reserved != 120 || st.Tokens+st.Reserved >= st.Budget {
		t.Errorf("state: %+v", st)
	}
	if got := len(w.Window()); got != 3 {
		t.Errorf("window size: got %d, want summary plus 2", got)
	}
}
