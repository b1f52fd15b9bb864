package retry

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ConfidenceScore estimates how much a model answer can be trusted.
type ConfidenceScore struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Low reports whether the score falls below threshold.
func (c ConfidenceScore) Low(threshold float64) bool {
	return c.Score < threshold
}

// DefaultConfidenceThreshold is the score under which an answer is
// re-prompted or escalated.
const DefaultConfidenceThreshold = 0.5

var (
	hedgePhrases = []string{
		"i'm not sure", "i am not sure", "not certain", "i think", "probably",
		"might be", "may not", "i guess", "it seems", "unclear", "i believe",
	}
	refusalPhrases = []string{
		"i cannot", "i can't", "i am unable", "i'm unable", "unable to complete",
		"i don't have access", "i do not have access",
	}
	failurePhrases = []string{
		"[tool_error]", "failed to", "error:", "did not succeed", "could not",
	}
)

// EvaluateConfidence scores a terminal answer with lexical signals: empty or
// very short answers, hedging, refusals and unresolved tool errors lower the
// score.
func EvaluateConfidence(response string) ConfidenceScore {
	text := strings.TrimSpace(response)
	if text == "" {
		return ConfidenceScore{Score: 0, Rationale: "empty answer"}
	}

	lower := strings.ToLower(text)
	score := 1.0
	var reasons []string

	if n := utf8.RuneCountInString(text); n < 20 {
		score -= 0.55
		reasons = append(reasons, fmt.Sprintf("very short answer (%d chars)", n))
	}
	if hits := countPhrases(lower, hedgePhrases); hits > 0 {
		score -= min(0.2*float64(hits), 0.6)
		reasons = append(reasons, fmt.Sprintf("%d hedging phrase(s)", hits))
	}
	if hits := countPhrases(lower, refusalPhrases); hits > 0 {
		score -= 0.6
		reasons = append(reasons, "refusal or inability stated")
	}
	if hits := countPhrases(lower, failurePhrases); hits > 0 {
		score -= min(0.2*float64(hits), 0.4)
		reasons = append(reasons, fmt.Sprintf("%d unresolved failure marker(s)", hits))
	}

	score = max(0, min(1, score))
	if len(reasons) == 0 {
		return ConfidenceScore{Score: score, Rationale: "no uncertainty signals"}
	}
	return ConfidenceScore{Score: score, Rationale: strings.Join(reasons, "; ")}
}

func countPhrases(s string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if strings.Contains(s, p) {
			n++
		}
	}
	return n
}
