package retry

import (
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxToolErrors is how many failures of one tool are handed back to
// the model as text before the error is propagated.
const DefaultMaxToolErrors = 3

// Corrector turns tool failures into model-visible error results so the
// model can adjust its arguments. Counts are tracked per tool name.
type Corrector struct {
	max    int
	mu     sync.Mutex
	counts map[string]int
}

// NewCorrector returns a Corrector allowing maxErrors failures per tool.
// Zero means DefaultMaxToolErrors.
func NewCorrector(maxErrors int) *Corrector {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxToolErrors
	}
	return &Corrector{max: maxErrors, counts: make(map[string]int)}
}

// Absorb records a failure of tool. It returns the text to send back to the
// model and true, or false once the tool reached its limit and the error
// must be propagated.
func (c *Corrector) Absorb(tool string, err error) (string, bool) {
	c.mu.Lock()
	c.counts[tool]++
	count := c.counts[tool]
	c.mu.Unlock()

	if count >= c.max {
		slog.Error("tool error correction: limit reached, propagating error",
			"tool", tool,
			"attempt", count,
			"max", c.max,
			"error", err,
		)
		return "", false
	}

	slog.Warn("tool error correction: returning error to model",
		"tool", tool,
		"attempt", count,
		"max", c.max,
		"error", err,
	)
	return fmt.Sprintf(
		`[TOOL_ERROR] Tool %q failed (attempt %d/%d): %s
You can retry with different arguments, or explain the problem in your answer.`,
		tool, count, c.max, err,
	), true
}

// Count returns the failures recorded for tool.
func (c *Corrector) Count(tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tool]
}
