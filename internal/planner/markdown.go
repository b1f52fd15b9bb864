package planner

import (
	"fmt"
	"regexp"
	"strings"
)

// minMarkdownSteps is the minimum number of steps for a parsed markdown plan.
const minMarkdownSteps = 2

// numberedItemRe matches numbered list items like "1. " or "2) ".
var numberedItemRe = regexp.MustCompile(`(?m)^(\d+)[.)]\s+(.+)`)

// headerStepRe matches markdown headers like "### Step 1: Title" or "### 1. Title".
var headerStepRe = regexp.MustCompile(`(?m)^###\s+(?:Step\s+)?(\d+)[.:]?\s*(.+)`)

// ParseMarkdown extracts steps from a markdown plan. It returns nil when the
// text has fewer than two recognizable steps.
func ParseMarkdown(markdown string) []PlanStep {
	if steps := parseSteps(markdown, headerStepRe, true); steps != nil {
		return steps
	}
	return parseSteps(markdown, numberedItemRe, false)
}

func parseSteps(markdown string, re *regexp.Regexp, withBody bool) []PlanStep {
	matches := re.FindAllStringSubmatchIndex(markdown, -1)
	if len(matches) < minMarkdownSteps {
		return nil
	}

	steps := make([]PlanStep, 0, len(matches))
	for i, match := range matches {
		title := strings.TrimSpace(markdown[match[4]:match[5]])
		desc := title
		if withBody {
			end := len(markdown)
			if i+1 < len(matches) {
				end = matches[i+1][0]
			}
			if body := strings.TrimSpace(markdown[match[1]:end]); body != "" {
				desc = title + ": " + body
			}
		}
		steps = append(steps, PlanStep{
			ID:          fmt.Sprintf("step_%d", i+1),
			Description: desc,
			Status:      StepPending,
		})
	}
	return steps
}
