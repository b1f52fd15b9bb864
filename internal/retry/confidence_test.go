package retry

import (
	"errors"
	"strings"
	"testing"
)

func TestEvaluateConfidence(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		wantLow bool
	}{
		{"empty", "   ", true},
		{"confident", "Renamed a.py to b.py and verified the new file exists.", false},
		{"hedging", "I think it might be done, but I'm not sure, it seems unclear.", true},
		{"refusal", "I cannot complete this task because I am unable to access the file.", true},
		{"short", "ok", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateConfidence(tt.answer)
			if got.Low(DefaultConfidenceThreshold) != tt.wantLow {
				t.Errorf("score %.2f (%s), wantLow=%v", got.Score, got.Rationale, tt.wantLow)
			}
			if got.Score < 0 || got.Score > 1 {
				t.Errorf("score out of range: %f", got.Score)
			}
			if got.Rationale == "" {
				t.Error("rationale should not be empty")
			}
		})
	}
}

func TestCorrectorAbsorbsUntilLimit(t *testing.T) {
	c := NewCorrector(3)
	boom := errors.New("boom")

	for i := 1; i <= 2; i++ {
		msg, ok := c.Absorb("read_file", boom)
		if !ok {
			t.Fatalf("attempt %d: expected absorb", i)
		}
		if !strings.HasPrefix(msg, "[TOOL_ERROR]") {
			t.Errorf("attempt %d: unexpected message %q", i, msg)
		}
	}
	if _, ok := c.Absorb("read_file", boom); ok {
		t.Error("third failure should propagate")
	}
	if _, ok := c.Absorb("write_file", boom); !ok {
		t.Error("counts must be per tool")
	}
	if c.Count("read_file") != 3 {
		t.Errorf("Count: got %d, want 3", c.Count("read_file"))
	}
}
