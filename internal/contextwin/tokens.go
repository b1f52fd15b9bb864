package contextwin

import (
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/pkoukk/tiktoken-go"
)

const perMessageOverhead = 4

// TokenCounter counts the tokens of a text fragment.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter estimates one token per CharsPerToken runes, rounding up.
type HeuristicCounter struct {
	CharsPerToken int
}

func (h HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	runes := utf8.RuneCountInString(text)
	return (runes + cpt - 1) / cpt
}

// TiktokenCounter counts with a BPE encoding. It falls back to the
// heuristic when the encoding cannot be loaded.
type TiktokenCounter struct {
	model    string
	once     sync.Once
	encoder  *tiktoken.Tiktoken
	fallback HeuristicCounter
}

// NewTiktokenCounter returns a counter for model, using cl100k_base when the
// model has no known encoding.
func NewTiktokenCounter(model string) *TiktokenCounter {
	return &TiktokenCounter{model: model, fallback: HeuristicCounter{CharsPerToken: 4}}
}

func (t *TiktokenCounter) load() {
	enc, err := tiktoken.EncodingForModel(t.model)
	if err == nil {
		t.encoder = enc
		return
	}
	enc, err = tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken unavailable, using heuristic token counts", "model", t.model, "error", err)
		return
	}
	t.encoder = enc
}

func (t *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	t.once.Do(t.load)
	if t.encoder == nil {
		return t.fallback.Count(text)
	}
	return len(t.encoder.Encode(text, nil, nil))
}

// estimator applies the safety margin on top of a counter.
type estimator struct {
	counter TokenCounter
	margin  float64
}

// message returns the padded token estimate of one message.
func (e estimator) message(msg *schema.Message) int {
	tokens := e.counter.Count(msg.Content) + perMessageOverhead
	if msg.ToolCallID != "" {
		tokens += e.counter.Count(msg.ToolCallID)
	}
	if msg.ToolName != "" {
		tokens += e.counter.Count(msg.ToolName)
	}
	if len(msg.ToolCalls) > 0 {
		if data, err := json.Marshal(msg.ToolCalls); err == nil {
			tokens += e.counter.Count(string(data))
		}
	}
	return int(math.Ceil(float64(tokens) * e.margin))
}

func (e estimator) messages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.message(m)
	}
	return total
}
